package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind tags a stage failure.
type ErrorKind string

const (
	KindIO       ErrorKind = "io"
	KindDownload ErrorKind = "download"
	KindExtract  ErrorKind = "extract"
	KindNotFound ErrorKind = "not_found"
	KindCanceled ErrorKind = "canceled"
)

// Kind sentinels, matched with errors.Is against any *Error of that kind.
var (
	ErrIO       = &Error{Kind: KindIO}
	ErrDownload = &Error{Kind: KindDownload}
	ErrExtract  = &Error{Kind: KindExtract}
	ErrTarget   = &Error{Kind: KindNotFound}
	ErrCanceled = &Error{Kind: KindCanceled}
)

// Error is a pipeline stage failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels so errors.Is(err, ErrDownload) works through
// wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func IOError(op string, err error) error       { return NewError(KindIO, op, err) }
func DownloadError(op string, err error) error { return NewError(KindDownload, op, err) }
func ExtractError(op string, err error) error  { return NewError(KindExtract, op, err) }

func NotFoundError(target string) error {
	return NewError(KindNotFound, "", fmt.Errorf("%s not found in archive", target))
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation maps to KindCanceled; anything else untagged is KindIO.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindIO
}
