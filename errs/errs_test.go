package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/errs"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := errs.New("streamlog/redis", errs.CodeStoreUnavailable,
		errs.WithMessage("append failed"),
		errs.WithStream("risk.order.approved.v1"),
		errs.WithCause(cause),
	)

	msg := err.Error()
	require.Contains(t, msg, "component=streamlog/redis")
	require.Contains(t, msg, "code=store_unavailable")
	require.Contains(t, msg, "stream=risk.order.approved.v1")
	require.Contains(t, msg, `"append failed"`)
	require.ErrorIs(t, err, cause)
}

func TestCodeOfUnwrapsWrappedErrors(t *testing.T) {
	inner := errs.New("bus", errs.CodeHandlerFatal, errs.WithMessage("boom"))
	wrapped := fmt.Errorf("dispatch: %w", inner)

	code, ok := errs.CodeOf(wrapped)
	require.True(t, ok)
	require.Equal(t, errs.CodeHandlerFatal, code)
	require.True(t, errs.HasCode(wrapped, errs.CodeHandlerFatal))
	require.False(t, errs.HasCode(wrapped, errs.CodeHandlerRetryable))
}

func TestCodeOfPlainError(t *testing.T) {
	_, ok := errs.CodeOf(errors.New("plain"))
	require.False(t, ok)
}
