package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/require"
)

var fast = Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxElapsed: 100 * time.Millisecond}

func TestDoRetriesInfraUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "flaky", func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.ErrStoreUnavailable.WrapMsg("down")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoNeverRetriesValidation(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "send", func(context.Context) error {
		calls++
		return errs.ErrNotParticipant.WrapMsg("no")
	})
	require.True(t, errs.ErrNotParticipant.Is(err))
	require.Equal(t, 1, calls)

	plain := errors.New("decode")
	require.ErrorIs(t, Do(context.Background(), fast, "decode", func(context.Context) error { return plain }), plain)
}

func TestDoExhaustionIsTryAgain(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "publish", func(context.Context) error {
		calls++
		return errs.ErrAdapterUnavailable.WrapMsg("bus down")
	})
	require.True(t, errs.ErrTryAgain.Is(err))
	require.Greater(t, calls, 1)
}
