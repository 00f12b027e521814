package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type AppError struct {
	Code        int              // HTTP status code or custom error code
	Message     string           // User-facing message
	Err         error            // Underlying error (optional)
	MinRequired *decimal.Decimal // Set for ErrBidTooLow so the caller can display it
}

const (
	ErrInvalidToken        = 1001
	ErrAuctionNotFound     = 1002
	ErrBidTooLow           = 1003
	ErrAuctionEnded        = 1004
	ErrSelfBidNotAllowed   = 1005
	ErrBidderBanned        = 1006
	ErrUnauthorized        = 1007
	ErrAuctionNotActive    = 1008
	ErrBidderHasNoBids     = 1009
	ErrAlreadyBanned       = 1010
	ErrConcurrencyConflict = 1011
	ErrBadMessageFormat    = 1012
	ErrUnknownMessageType  = 1013
	ErrWebSocketUpgrade    = 1014

	ErrInternalServer = 500
)

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Wrapping utility
func Wrap(err error, message string) *AppError {
	return &AppError{Message: message, Err: err}
}

// Error creation utility
func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithCode assigns the application error code on a wrapped error.
func (e *AppError) WithCode(code int) *AppError {
	e.Code = code
	return e
}

// BidTooLow reports a rejected bid together with the minimum the
// bidder would have to offer instead.
func BidTooLow(min decimal.Decimal) *AppError {
	return &AppError{
		Code:        ErrBidTooLow,
		Message:     fmt.Sprintf("bid is below the minimum required price of %s", min.String()),
		MinRequired: &min,
	}
}

// Code extracts the application error code from err, or
// ErrInternalServer when err is not an AppError.
func Code(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternalServer
}

// ToJSON renders the error as a client-facing websocket payload.
// Price fields cross the wire as strings.
func (e *AppError) ToJSON() []byte {
	payload := struct {
		Type        string `json:"type"`
		Code        int    `json:"code"`
		Message     string `json:"message"`
		MinRequired string `json:"minRequired,omitempty"`
	}{
		Type:    "error",
		Code:    e.Code,
		Message: e.Message,
	}
	if e.MinRequired != nil {
		payload.MinRequired = e.MinRequired.String()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"type":"error","code":500,"message":"internal server error"}`)
	}
	return data
}
