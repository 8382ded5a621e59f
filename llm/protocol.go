package llm

import (
	"fmt"
	"strings"
)

// Protocol selects the backend wire convention. It is fixed at configuration
// time and never inferred from response content.
type Protocol int

const (
	// StructuredMessages sends an ordered role/content array and reads choices[0].message.
	StructuredMessages Protocol = iota
	// SingleInputString sends one prefixed, newline-joined input string and reads typed output items.
	SingleInputString
)

func (p Protocol) String() string {
	switch p {
	case StructuredMessages:
		return "structured-messages"
	case SingleInputString:
		return "single-input-string"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol accepts the configured name of a protocol variant.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "structured-messages", "structured", "chat", "chat-completions":
		return StructuredMessages, nil
	case "single-input-string", "single-input", "input", "responses":
		return SingleInputString, nil
	default:
		return 0, fmt.Errorf("unknown llm protocol %q", s)
	}
}
