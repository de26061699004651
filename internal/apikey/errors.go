package apikey

import "errors"

var (
	ErrInvalidInput = errors.New("apikey: invalid input")
	ErrNotFound     = errors.New("apikey: not found")
	ErrConflict     = errors.New("apikey: resource conflict")

	// ErrInvalidKey covers every validation failure the caller may not
	// distinguish: unknown secret, malformed token, wrong status.
	ErrInvalidKey = errors.New("apikey: invalid key")

	ErrKeyExpired = errors.New("apikey: key expired")
	ErrKeyRevoked = errors.New("apikey: key revoked")

	ErrUnavailable = errors.New("apikey: store unavailable")
)
