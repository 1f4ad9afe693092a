package chat

import (
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindRateLimit   Kind = "rate_limit"
	KindQuota       Kind = "quota"
	KindUpstream    Kind = "upstream"
	KindPersistence Kind = "persistence"
)

// Error is a request-terminating relay failure. It is always reported to
// the caller before any stream bytes are written.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter int // seconds; only for KindRateLimit
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	MsgInvalidJSON        = "Invalid JSON body"
	MsgConversationID     = "conversationId is required"
	MsgNoMessages         = "No messages provided"
	MsgEmptyContent       = "Message content cannot be empty"
	MsgUnauthorized       = "Unauthorized"
	MsgRateLimited        = "Rate limit exceeded. Please wait a moment before sending more messages."
	MsgUpstreamRateLimit  = "Rate limits exceeded, please try again later."
	MsgPaymentRequired    = "Payment required. Please add credits to your AI workspace to continue."
	MsgGateway            = "AI gateway error"
	MsgPersistUserMessage = "Failed to save message"
)

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

func authError(err error) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: MsgUnauthorized, Err: err}
}

func rateLimitError(msg string, retryAfter int) *Error {
	return &Error{Kind: KindRateLimit, Status: http.StatusTooManyRequests, Message: msg, RetryAfter: retryAfter}
}

func quotaError() *Error {
	return &Error{Kind: KindQuota, Status: http.StatusPaymentRequired, Message: MsgPaymentRequired}
}

func upstreamError(err error) *Error {
	return &Error{Kind: KindUpstream, Status: http.StatusInternalServerError, Message: MsgGateway, Err: err}
}

func persistenceError(err error) *Error {
	return &Error{Kind: KindPersistence, Status: http.StatusInternalServerError, Message: MsgPersistUserMessage, Err: err}
}
