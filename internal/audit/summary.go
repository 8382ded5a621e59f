package audit

import "sort"

// ErrorCount is one distinct failure message and how often it occurred.
type ErrorCount struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// Summary aggregates a slice of entries by outcome.
type Summary struct {
	Total     int             `json:"total"`
	Executed  int             `json:"executed"`
	Succeeded int             `json:"succeeded"`
	Rejected  int             `json:"rejected"`
	ByOutcome map[Outcome]int `json:"by_outcome"`
	// TopErrors lists the most frequent failure messages first.
	TopErrors []ErrorCount `json:"top_errors,omitempty"`
}

// SuccessRate is the share of executed queries that returned rows or an empty result.
func (s Summary) SuccessRate() float64 {
	if s.Executed == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Executed)
}

// Summarize counts outcomes and collects the topN most common errors.
func Summarize(entries []Entry, topN int) Summary {
	sum := Summary{Total: len(entries), ByOutcome: make(map[Outcome]int)}
	errs := make(map[string]int)
	for _, e := range entries {
		sum.ByOutcome[e.Outcome]++
		switch e.Outcome {
		case OutcomeRejected:
			sum.Rejected++
			continue
		case OutcomeOK, OutcomeEmpty:
			sum.Succeeded++
		}
		sum.Executed++
		if e.Error != "" {
			errs[e.Error]++
		}
	}

	for msg, n := range errs {
		sum.TopErrors = append(sum.TopErrors, ErrorCount{Error: msg, Count: n})
	}
	sort.Slice(sum.TopErrors, func(i, j int) bool {
		if sum.TopErrors[i].Count != sum.TopErrors[j].Count {
			return sum.TopErrors[i].Count > sum.TopErrors[j].Count
		}
		return sum.TopErrors[i].Error < sum.TopErrors[j].Error
	})
	if topN > 0 && len(sum.TopErrors) > topN {
		sum.TopErrors = sum.TopErrors[:topN]
	}
	return sum
}
