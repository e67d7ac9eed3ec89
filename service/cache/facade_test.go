package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/require"
)

type record struct {
	ID   string `json:"id"`
	Seen int64  `json:"seen"`
}

func newFacade(t *testing.T, remote Tier) *Facade {
	t.Helper()
	f, err := New(Options{DefaultTTL: time.Minute, MaxCost: 1 << 20}, remote)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestFacadeReadThroughRepopulatesLocal(t *testing.T) {
	ctx := context.Background()
	remote := NewMemTier()
	writer := newFacade(t, remote)
	reader := newFacade(t, remote)

	require.NoError(t, writer.Set(ctx, "presence:u1", record{ID: "u1", Seen: 7}, 0))

	got, ok, err := GetAs[record](ctx, reader, "presence:u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), got.Seen)

	// remote gone: the local tier now answers on its own
	remote.SetFailure(errors.New("down"))
	got, ok, err = GetAs[record](ctx, reader, "presence:u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", got.ID)
}

func TestFacadeSecondaryFailure(t *testing.T) {
	ctx := context.Background()
	remote := NewMemTier()
	f := newFacade(t, remote)
	remote.SetFailure(errors.New("down"))

	_, ok, err := GetAs[record](ctx, f, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	err = f.Set(ctx, "k", record{ID: "x"}, 0)
	require.True(t, errs.ErrStoreUnavailable.Is(err))
}

func TestFacadeTTLExpires(t *testing.T) {
	ctx := context.Background()
	f := newFacade(t, NewMemTier())

	require.NoError(t, f.Set(ctx, "typing:c:a", true, 80*time.Millisecond))
	ok, err := f.Has(ctx, "typing:c:a")
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, _ := f.Has(ctx, "typing:c:a")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFacadeDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	remote := NewMemTier()
	f := newFacade(t, remote)

	require.NoError(t, f.Set(ctx, "a", 1, 0))
	require.NoError(t, f.Set(ctx, "b", 2, 0))
	require.NoError(t, f.Delete(ctx, "a"))

	ok, _ := f.Has(ctx, "a")
	require.False(t, ok)

	require.NoError(t, f.Clear(ctx))
	ok, _ = f.Has(ctx, "b")
	require.False(t, ok)
	ok, _ = remote.Has(ctx, "b")
	require.False(t, ok)
}

func TestFacadeLocalOnly(t *testing.T) {
	ctx := context.Background()
	f := newFacade(t, nil)
	require.NoError(t, f.Set(ctx, "conv:1", []string{"a", "b"}, 0))
	got, ok, err := GetAs[[]string](ctx, f, "conv:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, got)
}
