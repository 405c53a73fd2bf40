package model

import "fmt"

// StageResult is the count-based summary every stage returns.
// Partial failure is reported through Failed, not through an error.
type StageResult struct {
	Stage     string         `json:"stage"`
	Processed int            `json:"processed"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Details   map[string]int `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewStageResult returns an empty result for the named stage.
func NewStageResult(stage string) StageResult {
	return StageResult{Stage: stage, Details: make(map[string]int)}
}

// Add increments a detail counter.
func (r *StageResult) Add(key string, n int) {
	if r.Details == nil {
		r.Details = make(map[string]int)
	}
	r.Details[key] += n
}

func (r StageResult) String() string {
	return fmt.Sprintf("%s: processed=%d skipped=%d failed=%d", r.Stage, r.Processed, r.Skipped, r.Failed)
}
