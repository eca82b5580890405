package analyzer

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure for the retry policy.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindNotFound
	KindMalformedOutput
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindMalformedOutput:
		return "malformed_output"
	default:
		return "other"
	}
}

// Error is the tagged error returned by backends and ParseResult.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func malformed(err error) *Error {
	return &Error{Kind: KindMalformedOutput, Err: err}
}

// KindOf returns the kind of err, or KindOther when err is untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}
