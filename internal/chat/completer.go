package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var ErrEmptyResponse = errors.New("empty chat completion response")

type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Completer answers user messages using an OpenAI compatible chat completion API.
// It keeps the conversation so far as context for subsequent requests.
type Completer struct {
	ServerURL    string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	HTTPClient   HTTPDoer
	// OnChunk is called with every streamed response chunk when set.
	OnChunk func(chunk string)

	mutex    sync.Mutex
	llm      *openai.LLM
	messages []llms.MessageContent
}

func (c *Completer) Complete(ctx context.Context, text string) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.llm == nil {
		httpClient := c.HTTPClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}

		llm, err := openai.New(
			openai.WithHTTPClient(httpClient),
			openai.WithBaseURL(c.ServerURL+"/v1"),
			openai.WithToken(c.APIKey),
			openai.WithModel(c.Model),
		)
		if err != nil {
			return "", fmt.Errorf("create chat client: %w", err)
		}

		c.llm = llm

		if c.SystemPrompt != "" {
			c.messages = append(c.messages, llms.TextParts(llms.ChatMessageTypeSystem, c.SystemPrompt))
		}
	}

	messages := append(c.messages, llms.TextParts(llms.ChatMessageTypeHuman, text))

	opts := []llms.CallOption{llms.WithTemperature(c.Temperature)}
	if c.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.MaxTokens))
	}
	if c.OnChunk != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			slog.Debug(fmt.Sprintf("received chunk %q", string(chunk)))
			c.OnChunk(string(chunk))
			return nil
		}))
	}

	resp, err := c.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	answer := strings.TrimSpace(resp.Choices[0].Content)
	if answer == "" {
		return "", ErrEmptyResponse
	}

	c.messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, answer))

	return answer, nil
}
