package harness

// Step outcomes recorded in the trace.
const (
	OutcomeOK      = "ok"
	OutcomeIgnored = "ignored" // remote operation not applied
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Session     string `json:"session"`
	Participant string `json:"participant,omitempty"`
	Outcome     string `json:"outcome"` // OutcomeOK, OutcomeIgnored or an engine error code
	Content     string `json:"content,omitempty"`
	Operations  int    `json:"operations,omitempty"` // operations emitted by the step
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step behaved as scripted and every expectation
	// held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
