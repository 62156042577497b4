package streamer

import (
	"errors"
)

// Kind classifies a streamer failure for the consumer's retry policy.
type Kind int

const (
	// KindTemporary is a transport glitch or end of stream; retrying with a
	// fresh client is expected to help.
	KindTemporary Kind = iota
	// KindPermanent needs operator action: missing capability, format
	// mismatch, incompatible producer.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTemporary:
		return "temporary"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is the only error type a frame sequence ever yields.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Client lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("stream already started")
)

// Temporary returns a retry-worthy failure.
func Temporary(msg string) *Error {
	return &Error{Kind: KindTemporary, Msg: msg}
}

// Permanent returns a failure that retrying the same configuration won't fix.
func Permanent(msg string) *Error {
	return &Error{Kind: KindPermanent, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String() + " streamer error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is retry-worthy.
func (e *Error) Temporary() bool {
	return e.Kind == KindTemporary
}

// IsTemporary reports whether err is a temporary streamer failure.
func IsTemporary(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTemporary
}

// IsPermanent reports whether err is a permanent streamer failure.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindPermanent
}

// classify returns err unchanged if it is already a streamer error and
// otherwise wraps it with the given kind, keeping the original text.
func classify(err error, kind Kind) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

func wrapTemporary(err error) *Error {
	return classify(err, KindTemporary)
}

func wrapPermanent(err error) *Error {
	return classify(err, KindPermanent)
}
