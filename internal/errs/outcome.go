package errs

import "errors"

// Outcome is an expected failure that carries a caller-facing message.
// Kind is one of the sentinels above; Detail goes to logs only.
type Outcome struct {
	Kind    error
	Message string
	Detail  string
}

func (o *Outcome) Error() string {
	if o.Detail != "" {
		return o.Message + ": " + o.Detail
	}
	return o.Message
}

func (o *Outcome) Unwrap() error { return o.Kind }

// Reject builds an Outcome of the given kind.
func Reject(kind error, message string) *Outcome {
	return &Outcome{Kind: kind, Message: message}
}

// RejectDetail builds an Outcome with a log-only detail.
func RejectDetail(kind error, message, detail string) *Outcome {
	return &Outcome{Kind: kind, Message: message, Detail: detail}
}

// Message returns the caller-facing text for err, or fallback when err is not an Outcome.
func Message(err error, fallback string) string {
	var o *Outcome
	if errors.As(err, &o) {
		return o.Message
	}
	return fallback
}
