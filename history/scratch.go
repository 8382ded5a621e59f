package history

import "time"

// TurnScratch is the per-turn bookkeeping shown alongside the conversation: the
// queries actually dispatched to the tool service and the model round counter.
// It is not part of the conversation sent upstream.
type TurnScratch struct {
	TurnID    string    `json:"turn_id"`
	StartedAt time.Time `json:"started_at"`
	Iteration int       `json:"iteration"`
	Queries   []string  `json:"queries"`
}

// NewTurnScratch starts bookkeeping for a new turn.
func NewTurnScratch(turnID string) *TurnScratch {
	return &TurnScratch{TurnID: turnID, StartedAt: time.Now()}
}

// NextIteration advances the round counter and returns the new value.
func (s *TurnScratch) NextIteration() int {
	s.Iteration++
	return s.Iteration
}

// RecordQuery notes a query that was sent to the tool service.
func (s *TurnScratch) RecordQuery(query string) {
	s.Queries = append(s.Queries, query)
}

// Clone returns a copy safe to hand to readers.
func (s *TurnScratch) Clone() TurnScratch {
	if s == nil {
		return TurnScratch{}
	}
	out := *s
	out.Queries = append([]string(nil), s.Queries...)
	return out
}
