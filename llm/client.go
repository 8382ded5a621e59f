package llm

import (
	"context"
)

// Adapter hides one backend wire convention behind a single completion call.
type Adapter interface {
	// Complete sends the conversation and returns the canonical assistant message.
	// A nil or empty catalog means no tools are offered on this round.
	//
	// The returned message always carries non-empty content or at least one tool
	// call. When a proposed call has unparseable arguments the message is still
	// returned together with a *MalformedToolCallError.
	Complete(ctx context.Context, messages []Message, catalog []ToolDescriptor) (*Message, error)

	// Protocol reports the wire convention this adapter speaks.
	Protocol() Protocol
}
