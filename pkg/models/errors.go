package models

import (
	"errors"
	"fmt"
)

var (
	ErrSessionInit       = errors.New("browser session init failed")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrContextLost       = errors.New("execution context lost")
	ErrItemFetch         = errors.New("image fetch failed")
	ErrItemRenderTimeout = errors.New("image render timed out")
	ErrItemEncode        = errors.New("image encode failed")
	ErrPersistence       = errors.New("persistence write failed")
	ErrNoChapterData     = errors.New("source returned no chapter data")
)

// ItemError is a permanent failure of a single page. It never leaves the worker pool
// as an error; it is recorded on the ImageResult instead.
type ItemError struct {
	Index int
	Kind  error
	Msg   string
}

func (e *ItemError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("page %d: %v", e.Index+1, e.Kind)
	}
	return fmt.Sprintf("page %d: %v: %s", e.Index+1, e.Kind, e.Msg)
}

func (e *ItemError) Unwrap() error { return e.Kind }
