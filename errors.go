package conductor

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the memory and scheduler stores. Callers
// compare with errors.Is; wrap with fmt.Errorf("...: %w", ErrX) when adding
// context.
var (
	ErrNotFound         = errors.New("not found")
	ErrDisabled         = errors.New("disabled")
	ErrAlreadyForgotten = errors.New("already forgotten")
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
