package errors

import "errors"

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthenticated    = errors.New("no authenticated session")
	ErrRefreshFailed      = errors.New("session refresh failed")
)

// Server/transport errors.
var (
	ErrAPIRequest        = errors.New("API request failed")
	ErrMalformedResponse = errors.New("unexpected API response")
)
