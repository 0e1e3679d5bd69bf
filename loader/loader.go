// Package loader fetches a resource from a primary remote source and falls
// back to a local one when the primary fails for any reason.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Origin tags where a resolved resource came from.
type Origin string

const (
	OriginRegistry      Origin = "registry"
	OriginLocalFallback Origin = "local_fallback"
)

// Source produces a resource or fails.
type Source[T any] func(ctx context.Context) (T, error)

// Options bound each attempt. Zero durations use the defaults.
type Options struct {
	Resource        string
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	Logger          *zap.Logger

	// Discard receives a value a source produced after its attempt timed
	// out, so it can release what the value holds.
	Discard func(value any)
}

const (
	defaultPrimaryTimeout  = 10 * time.Second
	defaultFallbackTimeout = 5 * time.Second
)

// ResourceUnavailable is returned when both sources failed.
type ResourceUnavailable struct {
	Resource string
	Primary  error
	Fallback error
}

func (e *ResourceUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: primary: %v; fallback: %v", e.Resource, e.Primary, e.Fallback)
}

func (e *ResourceUnavailable) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// ErrPanic marks a source that panicked instead of returning an error.
var ErrPanic = errors.New("source panicked")

// Load runs primary and, if it fails or exceeds its timeout, fallback. The
// returned Origin names the source that produced the value.
func Load[T any](ctx context.Context, primary, fallback Source[T], opts Options) (T, Origin, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Resource == "" {
		opts.Resource = "resource"
	}
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = defaultPrimaryTimeout
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = defaultFallbackTimeout
	}

	value, primaryErr := attempt(ctx, primary, opts.PrimaryTimeout, opts.Discard)
	if primaryErr == nil {
		return value, OriginRegistry, nil
	}
	logger.Warn("primary source failed, using local fallback",
		zap.String("resource", opts.Resource), zap.Error(primaryErr))

	value, fallbackErr := attempt(ctx, fallback, opts.FallbackTimeout, opts.Discard)
	if fallbackErr == nil {
		return value, OriginLocalFallback, nil
	}
	logger.Error("local fallback failed",
		zap.String("resource", opts.Resource), zap.Error(fallbackErr))

	var zero T
	return zero, "", &ResourceUnavailable{Resource: opts.Resource, Primary: primaryErr, Fallback: fallbackErr}
}

type result[T any] struct {
	value T
	err   error
}

// attempt runs src in its own goroutine so a source that ignores ctx is
// abandoned once the timeout fires. A late success is handed to discard.
func attempt[T any](parent context.Context, src Source[T], timeout time.Duration, discard func(any)) (T, error) {
	var zero T
	if src == nil {
		return zero, errors.New("source not configured")
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := src(ctx)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, r.err
		}
		return r.value, nil
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-done; r.err == nil {
					discard(r.value)
				}
			}()
		}
		return zero, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	}
}
