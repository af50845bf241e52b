// Package testhelpers provides helpers for testing.
package testhelpers

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Timeout bounds WithinTimeout.
const Timeout = 5 * time.Second

// ErrTimeout is returned by WithinTimeout when ch stays empty.
var ErrTimeout = errors.New("timed out waiting for result")

// WithinTimeout reads an error from ch, or returns ErrTimeout after Timeout.
func WithinTimeout(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(Timeout):
		return ErrTimeout
	}
}

// NoErrorN performs require.NoError on multiple errors
func NoErrorN(t *testing.T, errs ...error) {
	for _, err := range errs {
		require.NoError(t, err)
	}
}
