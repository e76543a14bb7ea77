package actions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/snapshot"
)

var (
	// ErrTargetNotFound reports an unknown ref id or a selector matching nothing.
	ErrTargetNotFound = errors.New("target not found")
	// ErrActionTimeout reports an action that ran past its deadline.
	ErrActionTimeout = errors.New("action timed out")
	// ErrInvalidStepArgs reports malformed arguments.
	ErrInvalidStepArgs = errors.New("invalid arguments")
)

// Error kinds reported by Kind.
const (
	KindOK                = "ok"
	KindInvalidArgs       = "invalid_args"
	KindTargetNotFound    = "target_not_found"
	KindTimeout           = "timeout"
	KindExtractionFailure = "extraction_failure"
	KindOptionNotFound    = "option_not_found"
	KindCancelled         = "cancelled"
	KindError             = "error"
)

// Kind classifies err for facts and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrInvalidStepArgs):
		return KindInvalidArgs
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, browser.ErrNoMatch):
		return KindTargetNotFound
	case errors.Is(err, ErrActionTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, snapshot.ErrExtractionFailure):
		return KindExtractionFailure
	case errors.Is(err, browser.ErrOptionNotFound):
		return KindOptionNotFound
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindError
}

func invalidArgs(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidStepArgs, fmt.Sprintf(format, args...))
}

// classify maps host errors onto the taxonomy. Nothing matching the selector
// wins over the deadline that ended the wait.
func classify(err error, target string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, ErrActionTimeout), errors.Is(err, ErrInvalidStepArgs):
		return err
	case errors.Is(err, browser.ErrNoMatch):
		return fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrActionTimeout, target, err)
	}
	return err
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

const maxErrorLen = 200

// CleanError renders err as a single short line for wire responses.
func CleanError(err error) string {
	if err == nil {
		return ""
	}
	msg := ansiPattern.ReplaceAllString(err.Error(), "")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) > maxErrorLen {
		r := []rune(msg)
		msg = string(r[:maxErrorLen-3]) + "..."
	}
	return msg
}
