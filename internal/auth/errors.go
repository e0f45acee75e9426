package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("invalid token")
)
