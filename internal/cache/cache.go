// Package cache defines the durable key-value store used as a cold-start hint for run state.
package cache

import (
	"context"
	"strings"

	"github.com/coachpo/stratdesk/errs"
)

// Store is a persisted key-value space. Values are opaque bytes owned by the writer of each key namespace.
type Store interface {
	// Get returns the stored value or an errs.CodeNotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrNotFound builds the canonical missing-key error.
func ErrNotFound(key string) error {
	return errs.New("cache/get", errs.CodeNotFound, errs.WithMessage("key not found"), errs.WithField("key", key))
}

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool {
	return errs.Is(err, errs.CodeNotFound)
}

func validateKey(op, key string) error {
	if strings.TrimSpace(key) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("key required"))
	}
	return nil
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("context done"), errs.WithCause(ctx.Err()))
	default:
		return nil
	}
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
