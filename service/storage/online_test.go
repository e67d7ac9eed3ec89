package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemLivenessAcrossNodes(t *testing.T) {
	ctx := context.Background()
	shared := NewMemLiveness()
	a := shared.ForNode("gw-a")
	b := shared.ForNode("gw-b")

	require.NoError(t, a.Touch(ctx, "u1", "c1", time.Minute))
	require.NoError(t, b.Touch(ctx, "u1", "c1", time.Minute))

	online, n, err := a.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, online)
	require.EqualValues(t, 2, n)

	left, err := a.Remove(ctx, "u1", "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, left)

	members, err := b.Active(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"gw-b:c1"}, members)
	require.Equal(t, "gw-b", ExtractNode(members[0]))

	left, err = b.Remove(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Zero(t, left)
	online, _, _ = a.IsOnline(ctx, "u1")
	require.False(t, online)
}

func TestMemLivenessExpires(t *testing.T) {
	ctx := context.Background()
	shared := NewMemLiveness()
	now := time.Now()
	shared.now = func() time.Time { return now }
	v := shared.ForNode("n")

	require.NoError(t, v.Touch(ctx, "u", "c", 10*time.Second))
	now = now.Add(11 * time.Second)
	online, _, err := v.IsOnline(ctx, "u")
	require.NoError(t, err)
	require.False(t, online)
}

func TestMemLivenessOfflineClaimedOnce(t *testing.T) {
	ctx := context.Background()
	shared := NewMemLiveness()
	a := shared.ForNode("gw-a")
	b := shared.ForNode("gw-b")

	require.NoError(t, a.Touch(ctx, "u1", "c1", time.Minute))
	won, err := b.ClaimOffline(ctx, "u1")
	require.NoError(t, err)
	require.False(t, won, "still has a live connection")

	_, err = a.Remove(ctx, "u1", "c1")
	require.NoError(t, err)
	won, err = a.ClaimOffline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, won)
	won, err = b.ClaimOffline(ctx, "u1")
	require.NoError(t, err)
	require.False(t, won)

	// 重新上线后开始新的一轮
	require.NoError(t, b.Touch(ctx, "u1", "c2", time.Minute))
	_, err = b.Remove(ctx, "u1", "c2")
	require.NoError(t, err)
	won, err = b.ClaimOffline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, won)
}
