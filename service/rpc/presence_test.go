package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	presenceModel "PPRealtime/module/presence/model"
	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSource map[string]*presenceModel.Record

func (f fakeSource) Get(_ context.Context, userID string) (*presenceModel.Record, error) {
	if userID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty user id")
	}
	if userID == "down" {
		return nil, errs.ErrStoreUnavailable.WrapMsg("mongo down")
	}
	if rec, ok := f[userID]; ok {
		return rec, nil
	}
	return presenceModel.NewRecord(userID), nil
}

func TestPresenceGetOverGRPC(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, _ := NewServer(fakeSource{
		"alice": {UserID: "alice", IsOnline: true, Availability: presenceModel.Busy, DeviceID: "phone"},
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	m := NewManager(Config{Target: lis.Addr().String(), HealthCheckInterval: 50 * time.Millisecond})
	m.Start()
	t.Cleanup(m.Stop)
	require.Eventually(t, m.Healthy, 3*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	st, err := m.GetPresence(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", st.Fields["userId"].GetStringValue())
	require.True(t, st.Fields["isOnline"].GetBoolValue())
	require.Equal(t, "busy", st.Fields["availability"].GetStringValue())

	st, err = m.GetPresence(ctx, "bob")
	require.NoError(t, err)
	require.False(t, st.Fields["isOnline"].GetBoolValue())

	_, err = m.GetPresence(ctx, "")
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	// 基础设施错误对外折叠
	_, err = m.GetPresence(ctx, "down")
	require.Equal(t, codes.Unavailable, status.Code(err))

	rec, err := m.Presence(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", rec.UserID)
	require.True(t, rec.IsOnline)
	require.Equal(t, presenceModel.Busy, rec.Availability)
	require.Equal(t, "phone", rec.DeviceID)

	_, err = m.Presence(ctx, "")
	require.True(t, errs.IsValidation(err))
	_, err = m.Presence(ctx, "down")
	require.True(t, errs.ErrAdapterUnavailable.Is(err))
}

func TestGetPresenceBeforeConnect(t *testing.T) {
	m := NewManager(Config{Target: "127.0.0.1:1"})
	_, err := m.GetPresence(context.Background(), "alice")
	require.True(t, errs.ErrAdapterUnavailable.Is(err))
}
