package wakeword

import (
	"fmt"
	"regexp"
)

// Filter matches utterances that address the assistant by its wake word.
type Filter struct {
	regex *regexp.Regexp
}

// NewFilter returns a filter matching the wake word as a whole word, ignoring case.
// An empty wake word matches every utterance.
func NewFilter(wakeWord string) *Filter {
	if wakeWord == "" {
		return &Filter{}
	}

	return &Filter{
		regex: regexp.MustCompile(fmt.Sprintf(`(?i)(^|[^\w])%[1]s($|[^\w])`, regexp.QuoteMeta(wakeWord))),
	}
}

func (f *Filter) Matches(text string) bool {
	return f.regex == nil || f.regex.MatchString(text)
}
