package domain

// Envelope is the read-only view a caller gets back from a dispatch.
// A zero-value envelope (empty RunID, nil Output) means the framework was
// disabled and nothing was recorded.
type Envelope struct {
	Output     Metadata `json:"output"`
	Cached     bool     `json:"cached"`
	UsedMock   bool     `json:"used_mock"`
	ModelName  string   `json:"model_name,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	RunID      string   `json:"run_id,omitempty"`
}

// OutcomeKind tags how a dispatch concluded.
type OutcomeKind string

const (
	OutcomeDisabled OutcomeKind = "disabled"
	OutcomeCached   OutcomeKind = "cached"
	OutcomeExecuted OutcomeKind = "executed"
)

// Outcome is the tagged result of a dispatch: a cache reflection and a fresh
// execution are distinct variants behind the one envelope callers consume.
type Outcome struct {
	Kind     OutcomeKind
	Envelope Envelope
}

func DisabledOutcome() Outcome {
	return Outcome{Kind: OutcomeDisabled}
}

func CachedOutcome(runID string, output Metadata) Outcome {
	return Outcome{
		Kind: OutcomeCached,
		Envelope: Envelope{
			Output:    output,
			Cached:    true,
			UsedMock:  true,
			ModelName: "cached",
			RunID:     runID,
		},
	}
}

func ExecutedOutcome(runID string, output Metadata, usedMock bool, modelName string, durationMs int64) Outcome {
	return Outcome{
		Kind: OutcomeExecuted,
		Envelope: Envelope{
			Output:     output,
			UsedMock:   usedMock,
			ModelName:  modelName,
			DurationMs: durationMs,
			RunID:      runID,
		},
	}
}
