package intake

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/models"
)

// Kind classifies intake failures so callers can decide how to surface them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInput is malformed or out-of-range operator input.
	KindInvalidInput
	// KindPreconditionFailed is an operation attempted in the wrong step or state.
	KindPreconditionFailed
	// KindWeightAnomaly is a computed weight that violates a physical invariant.
	KindWeightAnomaly
	// KindFeedStale means an awaited reading has not arrived in time.
	KindFeedStale
	// KindFeedDisconnected means the live feed dropped.
	KindFeedDisconnected
	KindNotFound
	KindConflict
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindInvalidInput:       "invalid_input",
	KindPreconditionFailed: "precondition_failed",
	KindWeightAnomaly:      "weight_anomaly",
	KindFeedStale:          "feed_stale",
	KindFeedDisconnected:   "feed_disconnected",
	KindNotFound:           "not_found",
	KindConflict:           "conflict",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Anomaly carries the numbers behind a weight anomaly.
type Anomaly struct {
	Step     models.Step     `json:"step"`
	ItemID   string          `json:"item_id,omitempty"`
	Observed decimal.Decimal `json:"observed"`
	Expected decimal.Decimal `json:"expected"`
	Detail   string          `json:"detail"`
}

// Error is the error type returned by every intake operation.
type Error struct {
	Kind    Kind
	Op      string
	Msg     string
	Anomaly *Anomaly
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" && e.Msg == "" {
		return "intake: " + e.Kind.String()
	}
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return fmt.Sprintf("intake: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind when target is one of the
// bare sentinels below, so errors.Is(err, ErrWeightAnomaly) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrWeightAnomaly      = &Error{Kind: KindWeightAnomaly}
	ErrFeedStale          = &Error{Kind: KindFeedStale}
	ErrFeedDisconnected   = &Error{Kind: KindFeedDisconnected}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
)

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AnomalyOf returns the anomaly payload carried by err, if any.
func AnomalyOf(err error) (*Anomaly, bool) {
	var e *Error
	if errors.As(err, &e) && e.Anomaly != nil {
		return e.Anomaly, true
	}
	return nil, false
}

func invalidInput(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func preconditionFailed(op, format string, args ...any) error {
	return &Error{Kind: KindPreconditionFailed, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func weightAnomaly(op string, a Anomaly) error {
	return &Error{Kind: KindWeightAnomaly, Op: op, Msg: a.Detail, Anomaly: &a}
}

// NewError builds an *Error for collaborators outside this package
// (store, feed, processor) that report in the same taxonomy.
func NewError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
