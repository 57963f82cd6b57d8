package frame

import "fmt"

// EventID identifies the semantic event carried by a frame.
type EventID int32

const EventNone EventID = 0

// Client events.
const (
	EventStartConnection  EventID = 1
	EventFinishConnection EventID = 2
	EventStartSession     EventID = 100
	EventFinishSession    EventID = 102
	EventTaskRequest      EventID = 200
	EventSayHello         EventID = 300
	EventChatTextQuery    EventID = 501
)

// Server events.
const (
	EventConnectionStarted  EventID = 50
	EventConnectionFailed   EventID = 51
	EventConnectionFinished EventID = 52
	EventSessionStarted     EventID = 150
	EventSessionFinished    EventID = 152
	EventSessionFailed      EventID = 153
	EventTTSSentenceStart   EventID = 350
	EventTTSSentenceEnd     EventID = 351
	EventTTSResponse        EventID = 352
	EventTTSEnded           EventID = 359
	EventASRInfo            EventID = 450
	EventASRResponse        EventID = 451
	EventASREnded           EventID = 459
	EventChatResponse       EventID = 550
	EventChatEnded          EventID = 559
	EventDialogCommonError  EventID = 599
)

var eventNames = map[EventID]string{
	EventNone:               "None",
	EventStartConnection:    "StartConnection",
	EventFinishConnection:   "FinishConnection",
	EventStartSession:       "StartSession",
	EventFinishSession:      "FinishSession",
	EventTaskRequest:        "TaskRequest",
	EventSayHello:           "SayHello",
	EventChatTextQuery:      "ChatTextQuery",
	EventConnectionStarted:  "ConnectionStarted",
	EventConnectionFailed:   "ConnectionFailed",
	EventConnectionFinished: "ConnectionFinished",
	EventSessionStarted:     "SessionStarted",
	EventSessionFinished:    "SessionFinished",
	EventSessionFailed:      "SessionFailed",
	EventTTSSentenceStart:   "TTSSentenceStart",
	EventTTSSentenceEnd:     "TTSSentenceEnd",
	EventTTSResponse:        "TTSResponse",
	EventTTSEnded:           "TTSEnded",
	EventASRInfo:            "ASRInfo",
	EventASRResponse:        "ASRResponse",
	EventASREnded:           "ASREnded",
	EventChatResponse:       "ChatResponse",
	EventChatEnded:          "ChatEnded",
	EventDialogCommonError:  "DialogCommonError",
}

func (e EventID) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}

	return fmt.Sprintf("Event(%d)", int32(e))
}

// ASRPayload is the payload of an ASRResponse event.
type ASRPayload struct {
	Results []ASRResult `json:"results"`
}

type ASRResult struct {
	Text      string `json:"text"`
	IsInterim bool   `json:"is_interim"`
}

// ChatPayload is the payload of ChatResponse, ChatTextQuery and SayHello events.
type ChatPayload struct {
	Content string `json:"content"`
}

type SessionStartedPayload struct {
	DialogID string `json:"dialog_id,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
