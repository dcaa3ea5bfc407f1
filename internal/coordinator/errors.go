package coordinator

import "fmt"

// ErrorKind is the closed tagged variant of coordinator-level failures,
// replacing string-typed errors per Design Notes §9.
type ErrorKind string

const (
	KindValidation          ErrorKind = "Validation"
	KindInsufficientFunds   ErrorKind = "InsufficientFunds"
	KindOrderingGap         ErrorKind = "OrderingGap"
	KindNetwork             ErrorKind = "Network"
	KindConfirmationTimeout ErrorKind = "ConfirmationTimeout"
	KindStorage             ErrorKind = "Storage"
)

// ActionError wraps a public-action failure with its taxonomy kind, per
// spec §7's error kinds (not type names).
type ActionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func newActionError(kind ErrorKind, err error) *ActionError {
	return &ActionError{Kind: kind, Err: err}
}
