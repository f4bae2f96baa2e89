package types

import (
	"fmt"
	"time"
)

// Code is the discriminated outcome carried across every component boundary.
// The HTTP front maps the outermost code to a status code and the stable
// error_code string clients discriminate on.
type Code string

const (
	CodeOK                Code = "OK"
	CodeInvalidParameter  Code = "InvalidParameter"
	CodeUnauthorised      Code = "Unauthorised"
	CodeNotFound          Code = "NotFound"
	CodeNotActive         Code = "NotActive"
	CodeNotStarted        Code = "NotStarted"
	CodeEnded             Code = "Ended"
	CodeOutOfStock        Code = "OutOfStock"
	CodeUserLimitExceeded Code = "UserLimitExceeded"
	CodeRateLimited       Code = "RateLimited"
	CodeSaturated         Code = "Saturated"
	CodeBrokerUnavailable Code = "BrokerUnavailable"
	CodeStoreUnavailable  Code = "StoreUnavailable"
	CodeDeadlineExceeded  Code = "DeadlineExceeded"
	CodeInternal          Code = "Internal"
)

// Error wraps an outcome code with an optional underlying cause.
// Components return it instead of using panics for control flow; the only
// tolerated panic site is inside a request task, where the recovery
// middleware converts it to CodeInternal.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on the outcome code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds a typed outcome error.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError attaches an underlying cause to an outcome code.
func WrapError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the outcome code from an error chain.
// Unknown errors collapse to CodeInternal, the single catch-all.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for e := err; e != nil; {
		if te, ok := e.(*Error); ok {
			return te.Code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return CodeInternal
}

// ReservationEvent is the durable message published on a successful
// reservation. The producer owns it until the broker acknowledges
// persistence; afterwards ownership passes to the order pipeline.
type ReservationEvent struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	Quantity   int64     `json:"quantity"`
	Sequence   int64     `json:"sequence"`
	OrderID    string    `json:"order_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// AdmissionResult reports a rate-limiter decision. On rejection Tier names
// the first tier that ran dry and RetryAfter is the refill hint in seconds.
type AdmissionResult struct {
	Allowed    bool
	Tier       string
	RetryAfter int64
}

// ReservationResult is the reservation engine's decision for one request.
type ReservationResult struct {
	Code           Code
	RemainingStock int64
	UserPurchased  int64
	OrderID        string
}
