package nacos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	initial  string
	onChange func(namespace, group, dataId, data string)
	canceled bool
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.initial, nil }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	f.onChange = p.OnChange
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) push(data string) bool {
	f.mu.Lock()
	cb := f.onChange
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb("public", "g", "d", data)
	return true
}

func TestWatcherAppliesInitialAndChanges(t *testing.T) {
	src := &fakeSource{initial: "v1"}
	var mu sync.Mutex
	var applied []string
	w := NewWatcher(src, "d", "g", func(data string) error {
		mu.Lock()
		applied = append(applied, data)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return src.push("v2") }, time.Second, 5*time.Millisecond)
	require.Equal(t, "v2", w.Current())

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"v1", "v2"}, applied)
	require.True(t, src.canceled)
}
