package scanclient

import (
	"errors"
	"fmt"
)

// Kind classifies a Remote Client failure.
type Kind string

const (
	// KindValidation is bad local input; never reaches the network.
	KindValidation Kind = "validation"
	// KindConnectivity is a transport failure or an open circuit.
	KindConnectivity Kind = "connectivity"
	// KindServer is a reachable server answering with a failure.
	KindServer Kind = "server"
	// KindDecode is a malformed payload.
	KindDecode Kind = "decode"
)

// Error is the typed failure returned by every Client operation.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" when err is not a Remote Client error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a Remote Client error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	ErrEmptyImage       = errors.New("please select an image to analyze")
	ErrImageTooLarge    = errors.New("file size too large, please upload an image under the size limit")
	ErrUnsupportedImage = errors.New("unsupported file type, please upload a JPG, PNG or WebP image")
)

func validationError(op string, err error, detail string) *Error {
	msg := err.Error()
	if detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, detail)
	}
	return &Error{Kind: KindValidation, Op: op, Message: msg, Err: err}
}

func serverError(op string, status int, msg string) *Error {
	return &Error{Kind: KindServer, Op: op, Status: status, Message: msg}
}

func decodeError(op string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Message: fmt.Sprintf("%s: malformed response: %v", op, err), Err: err}
}
