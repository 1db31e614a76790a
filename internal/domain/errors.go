package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyClosed       = errors.New("position already closed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidPosition     = errors.New("invalid position parameters")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrLockHeld            = errors.New("lock already held")
)
