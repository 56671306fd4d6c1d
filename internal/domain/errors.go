package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable classification of a service error. Callers branch on Kind.
type Kind string

const (
	KindValidation               Kind = "ValidationError"
	KindDuplicateTransaction     Kind = "DuplicateTransaction"
	KindPaymentIntentNotFound    Kind = "PaymentIntentNotFound"
	KindTransactionNotFound      Kind = "TransactionNotFound"
	KindPaymentMethodNotFound    Kind = "PaymentMethodNotFound"
	KindRefundNotFound           Kind = "RefundNotFound"
	KindWebhookEventNotFound     Kind = "WebhookEventNotFound"
	KindInsufficientFunds        Kind = "InsufficientFunds"
	KindPaymentDeclined          Kind = "PaymentDeclined"
	KindRefundExceedsTransaction Kind = "RefundExceedsTransaction"
	KindInvalidState             Kind = "InvalidState"
	KindProcessorUnavailable     Kind = "ProcessorUnavailable"
	KindInvalidSignature         Kind = "InvalidSignature"
	KindRateLimited              Kind = "RateLimited"
	KindInternal                 Kind = "Internal"
)

type kindSpec struct {
	status int
	code   string
}

var kindSpecs = map[Kind]kindSpec{
	KindValidation:               {http.StatusBadRequest, "VALIDATION_ERROR"},
	KindDuplicateTransaction:     {http.StatusConflict, "DUPLICATE_TRANSACTION"},
	KindPaymentIntentNotFound:    {http.StatusNotFound, "PAYMENT_INTENT_NOT_FOUND"},
	KindTransactionNotFound:      {http.StatusNotFound, "TRANSACTION_NOT_FOUND"},
	KindPaymentMethodNotFound:    {http.StatusNotFound, "PAYMENT_METHOD_NOT_FOUND"},
	KindRefundNotFound:           {http.StatusNotFound, "REFUND_NOT_FOUND"},
	KindWebhookEventNotFound:     {http.StatusNotFound, "WEBHOOK_EVENT_NOT_FOUND"},
	KindInsufficientFunds:        {http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
	KindPaymentDeclined:          {http.StatusPaymentRequired, "PAYMENT_DECLINED"},
	KindRefundExceedsTransaction: {http.StatusBadRequest, "REFUND_EXCEEDS_TRANSACTION"},
	KindInvalidState:             {http.StatusBadRequest, "INVALID_STATE"},
	KindProcessorUnavailable:     {http.StatusServiceUnavailable, "PROCESSOR_UNAVAILABLE"},
	KindInvalidSignature:         {http.StatusUnauthorized, "INVALID_SIGNATURE"},
	KindRateLimited:              {http.StatusTooManyRequests, "RATE_LIMITED"},
	KindInternal:                 {http.StatusInternalServerError, "INTERNAL_ERROR"},
}

// Error is the tagged error returned across the service boundary.
type Error struct {
	Kind       Kind                   `json:"-"`
	HTTPStatus int                    `json:"-"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error of the given kind with the kind's default status and code.
func NewError(kind Kind, message string) *Error {
	spec, ok := kindSpecs[kind]
	if !ok {
		spec = kindSpecs[KindInternal]
	}
	return &Error{Kind: kind, HTTPStatus: spec.status, Code: spec.code, Message: message}
}

// Errorf is NewError with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WithCode overrides the machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail attaches a detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for logs; it is never rendered to callers.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a domain Error of kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// AsError converts any error into a domain Error, hiding unclassified causes.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return NewError(KindInternal, "internal server error").WithCause(err)
}
