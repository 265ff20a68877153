package auth

import "errors"

var (
	ErrInvalidKey   = errors.New("invalid API key format")
	ErrKeyExists    = errors.New("API key already exists")
	ErrKeyNotFound  = errors.New("API key not found")
	ErrUnauthorized = errors.New("invalid or missing API key")
)
