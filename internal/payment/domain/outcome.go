package domain

// OutcomeKind tells the caller what to do next.
type OutcomeKind string

const (
	OutcomeRedirect OutcomeKind = "redirect"
	OutcomeRetry    OutcomeKind = "retry"
	OutcomeFatal    OutcomeKind = "fatal"
)

// FailureReason classifies a retry or fatal outcome.
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonFetch          FailureReason = "fetch"
	ReasonIntent         FailureReason = "intent"
	ReasonProcessor      FailureReason = "processor"
	ReasonReconciliation FailureReason = "reconciliation"
	ReasonGuard          FailureReason = "guard"
)

// Outcome is the single result type returned by both payment flows.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	Reason     FailureReason `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	RedirectTo string        `json:"redirect_to,omitempty"`
	// NextActionURL is set when the processor needs the customer to complete
	// an extra step (3-D Secure) out of band.
	NextActionURL string `json:"next_action_url,omitempty"`
}

// Redirect is a terminal, no-further-action outcome.
func Redirect(to, detail string) Outcome {
	return Outcome{Kind: OutcomeRedirect, RedirectTo: to, Detail: detail}
}

// Retry is a recoverable failure the user can act on.
func Retry(reason FailureReason, detail string) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason, Detail: detail}
}

// Fatal is a precondition violation. Detail is never user-actionable.
func Fatal(reason FailureReason, detail string) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason, Detail: detail}
}

func (o Outcome) IsRedirect() bool { return o.Kind == OutcomeRedirect }
func (o Outcome) IsRetry() bool    { return o.Kind == OutcomeRetry }
