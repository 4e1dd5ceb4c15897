// Package apperr defines the error codes surfaced to API callers.
//
// Every code belongs to a class. Validation errors are client-correctable,
// conflict errors mean the request raced or repeated an already-applied
// transition, and transient errors come from external collaborators.
package apperr

import (
	"errors"
	"net/http"
)

type Class int

const (
	ClassValidation Class = iota
	ClassConflict
	ClassTransient
)

type Error struct {
	Code    string
	Status  int
	Class   Class
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// Is matches on code so that WithMessage copies still compare equal to the
// sentinel they were derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e carrying a caller-facing detail.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

func validation(code string, status int) *Error {
	return &Error{Code: code, Status: status, Class: ClassValidation}
}

func conflict(code string) *Error {
	return &Error{Code: code, Status: http.StatusConflict, Class: ClassConflict}
}

var (
	ErrListingNotFound       = validation("LISTING_NOT_FOUND", http.StatusNotFound)
	ErrPriceNotFound         = validation("PRICE_NOT_FOUND", http.StatusBadRequest)
	ErrPaymentNotFound       = validation("PAYMENT_NOT_FOUND", http.StatusNotFound)
	ErrCartNotFound          = validation("CART_NOT_FOUND", http.StatusNotFound)
	ErrPriceInvalid          = validation("PRICE_INVALID", http.StatusBadRequest)
	ErrOutOfStock            = validation("OUT_OF_STOCK", http.StatusBadRequest)
	ErrInvalidQuantity       = validation("INVALID_QUANTITY", http.StatusBadRequest)
	ErrInvalidClaimToken     = validation("INVALID_CLAIM_TOKEN", http.StatusForbidden)
	ErrInvalidWallet         = validation("INVALID_WALLET", http.StatusBadRequest)
	ErrInvalidTxHash         = validation("INVALID_TX_HASH", http.StatusBadRequest)
	ErrMissingItems          = validation("MISSING_ITEMS", http.StatusBadRequest)
	ErrNotOwner              = validation("NOT_OWNER", http.StatusForbidden)
	ErrPaymentNotPaid        = validation("PAYMENT_NOT_PAID", http.StatusBadRequest)
	ErrCheckoutSessionFailed = validation("CHECKOUT_SESSION_FAILED", http.StatusBadRequest)

	ErrPaymentAlreadyProcessed     = conflict("PAYMENT_ALREADY_PROCESSED")
	ErrPaymentAlreadyClaimed       = conflict("PAYMENT_ALREADY_CLAIMED")
	ErrPaymentAlreadyClaimedWallet = conflict("PAYMENT_ALREADY_CLAIMED_BY_WALLET")
	ErrPaymentAlreadyClaimedOther  = conflict("PAYMENT_ALREADY_CLAIMED_BY_OTHER")
	ErrStatusAlreadySent           = conflict("STATUS_IS_ALREADY_SENT")
	ErrMessageAlreadySet           = conflict("PAYMENT_MESSAGE_ALREADY_SET")

	ErrProcessorUnavailable = &Error{Code: "PAYMENT_PROCESSOR_ERROR", Status: http.StatusBadGateway, Class: ClassTransient}
	ErrMintFailed           = &Error{Code: "MINT_FAILED", Status: http.StatusBadGateway, Class: ClassTransient}
	ErrChainUnavailable     = &Error{Code: "CHAIN_RPC_ERROR", Status: http.StatusBadGateway, Class: ClassTransient}
)

// As unwraps err to the first *Error in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
