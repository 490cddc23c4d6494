package service

import (
	"context"
	"errors"

	"smart_bays/internal/repository"
)

var (
	ErrBayOccupied          = errors.New("bay already has an active booking")
	ErrUserHasActiveBooking = errors.New("user already has an active booking")
	ErrInsufficientFunds    = errors.New("wallet balance below the reservation minimum")
	ErrBookingNotFound      = errors.New("booking not found")
	ErrBayNotFound          = errors.New("bay not found")
	ErrNotAuthorized        = errors.New("not authorized for this booking")
	ErrStaleSensor          = errors.New("sensor report outside the freshness window")
	ErrTimeout              = errors.New("deadline elapsed before the operation started")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInternal             = errors.New("internal error")
)

// ErrorKind is the caller-facing classification of an error.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindBayOccupied          ErrorKind = "BayOccupied"
	KindUserHasActiveBooking ErrorKind = "UserHasActiveBooking"
	KindInsufficientFunds    ErrorKind = "InsufficientFunds"
	KindBookingNotFound      ErrorKind = "BookingNotFound"
	KindBayNotFound          ErrorKind = "BayNotFound"
	KindNotAuthorized        ErrorKind = "NotAuthorized"
	KindConflict             ErrorKind = "Conflict"
	KindStaleSensor          ErrorKind = "StaleSensor"
	KindTimeout              ErrorKind = "Timeout"
	KindInvalidArgument      ErrorKind = "InvalidArgument"
	KindInternal             ErrorKind = "Internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrBayOccupied, KindBayOccupied},
	{ErrUserHasActiveBooking, KindUserHasActiveBooking},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrBookingNotFound, KindBookingNotFound},
	{ErrBayNotFound, KindBayNotFound},
	{ErrNotAuthorized, KindNotAuthorized},
	{ErrStaleSensor, KindStaleSensor},
	{ErrTimeout, KindTimeout},
	{ErrInvalidArgument, KindInvalidArgument},
	// ErrInternal is checked before ErrConflict: exhausted retries wrap both.
	{ErrInternal, KindInternal},
	{repository.ErrConflict, KindConflict},
	{context.DeadlineExceeded, KindTimeout},
}

// KindOf maps err onto the taxonomy. Unknown errors are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
