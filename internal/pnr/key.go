package pnr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is wrapped by every key validation failure.
var ErrInvalidKey = errors.New("invalid lookup key")

// ValidationError describes why a raw key was rejected.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidKey, e.Input, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidKey).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidKey
}

// ValidateKey checks that raw is exactly KeyLength ASCII digits.
func ValidateKey(raw string) (LookupKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Input: raw, Reason: "key is required"}
	}
	if len(trimmed) != KeyLength {
		return "", &ValidationError{
			Input:  raw,
			Reason: fmt.Sprintf("must be exactly %d digits, got %d characters", KeyLength, len(trimmed)),
		}
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] < '0' || trimmed[i] > '9' {
			return "", &ValidationError{Input: raw, Reason: "must contain only digits"}
		}
	}
	return LookupKey(trimmed), nil
}

// ParseKeys validates each raw key, returning the valid keys and a validation
// error per rejected input.
func ParseKeys(raw []string) ([]LookupKey, []KeyError) {
	keys := make([]LookupKey, 0, len(raw))
	var rejected []KeyError
	for _, r := range raw {
		key, err := ValidateKey(r)
		if err != nil {
			rejected = append(rejected, KeyError{Key: LookupKey(r), Error: err.Error(), Kind: KindValidation})
			continue
		}
		keys = append(keys, key)
	}
	return keys, rejected
}
