package corekit_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/corekit"
)

func TestKind_Retryable(t *testing.T) {
	require.True(t, corekit.KindConflict.Retryable())
	require.True(t, corekit.KindContentionExceeded.Retryable())
	require.False(t, corekit.KindNotFound.Retryable())
	require.False(t, corekit.KindInternal.Retryable())
}

func TestNew_ErrorMessageIncludesKindAndReason(t *testing.T) {
	err := corekit.New(corekit.KindAccessDenied, "vip_required", "subscribe")
	require.Equal(t, "ACCESS_DENIED: vip_required", err.Error())
}

func TestWrap_PreservesUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := corekit.Wrap(corekit.KindInternal, "something_failed", cause)
	require.ErrorIs(t, err, cause)
}

func TestAsKind_UnwrapsNestedError(t *testing.T) {
	base := corekit.New(corekit.KindNotFound, "user_not_found", "")
	wrapped := fmt.Errorf("context: %w", base)

	kind, ok := corekit.AsKind(wrapped)
	require.True(t, ok)
	require.Equal(t, corekit.KindNotFound, kind)
}

func TestAsKind_ReturnsFalseForPlainError(t *testing.T) {
	_, ok := corekit.AsKind(errors.New("plain"))
	require.False(t, ok)
}
