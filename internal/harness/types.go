package harness

// TraceEvent records one executed step and its outcome.
type TraceEvent struct {
	Seq    int            `json:"seq"`
	Device string         `json:"device,omitempty"`
	Op     string         `json:"op"`
	Args   map[string]any `json:"args,omitempty"`
	Case   string         `json:"case"`
	Result any            `json:"result,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step met its expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
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

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step outcome with the next sequence number.
func (r *Result) AddTrace(device, op string, args map[string]any, outcome string, result any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    len(r.Trace) + 1,
		Device: device,
		Op:     op,
		Args:   args,
		Case:   outcome,
		Result: result,
	})
}
