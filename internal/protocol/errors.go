package protocol

import "fmt"

// Category partitions every client-visible error.
type Category string

const (
	CategoryTransport  Category = "transport"
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryBusiness   Category = "business"
	CategoryServer     Category = "server"
	CategoryRateLimit  Category = "rate_limit"
)

// Error is a protocol-level error carrying everything a client needs to react
// without guessing: a stable code, a category, and a recoverable flag with an
// optional server-suggested retry delay.
type Error struct {
	Code         string
	Category     Category
	Message      string
	Recoverable  bool
	RetryAfterMs int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Category, e.Message)
}

// Payload converts the error into its wire shape.
func (e *Error) Payload() *ErrorPayload {
	return &ErrorPayload{
		Code:         e.Code,
		Category:     e.Category,
		Message:      e.Message,
		Recoverable:  e.Recoverable,
		RetryAfterMs: e.RetryAfterMs,
	}
}

func NewAuthError(code, msg string) *Error {
	return &Error{Code: code, Category: CategoryAuth, Message: msg, Recoverable: false}
}

func NewValidationError(code, msg string) *Error {
	return &Error{Code: code, Category: CategoryValidation, Message: msg, Recoverable: true}
}

func NewBusinessError(code, msg string) *Error {
	return &Error{Code: code, Category: CategoryBusiness, Message: msg, Recoverable: true}
}

func NewServerError(code, msg string) *Error {
	return &Error{Code: code, Category: CategoryServer, Message: msg, Recoverable: true}
}

func NewRateLimitError(retryAfterMs int64) *Error {
	return &Error{
		Code:         "rate_limited",
		Category:     CategoryRateLimit,
		Message:      "message rate limit exceeded",
		Recoverable:  true,
		RetryAfterMs: retryAfterMs,
	}
}

// ErrMissingField marks a decode failure caused by an absent required header
// field.
type ErrMissingField string

func (e ErrMissingField) Error() string {
	return fmt.Sprintf("missing field: %s", string(e))
}
