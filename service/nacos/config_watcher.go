package nacos

import (
	"context"
	"sync"

	"PPRealtime/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource 是 nacos config client 里 watcher 用到的部分
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

var _ ConfigSource = (config_client.IConfigClient)(nil)

// Watcher 拉取一次配置，之后监听变更并回调 apply
type Watcher struct {
	src    ConfigSource
	dataId string
	group  string
	apply  func(data string) error

	mu      sync.RWMutex
	current string
}

func NewWatcher(src ConfigSource, dataId, group string, apply func(data string) error) *Watcher {
	return &Watcher{src: src, dataId: dataId, group: group, apply: apply}
}

// Run 阻塞到 ctx 结束
func (w *Watcher) Run(ctx context.Context) error {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataId, Group: w.group})
	if err != nil {
		logger.Warn("[nacos] get config failed, keep local tunables", zap.String("dataId", w.dataId), zap.Error(err))
	} else if content != "" {
		w.update(content)
	}

	param := vo.ConfigParam{
		DataId: w.dataId,
		Group:  w.group,
		OnChange: func(namespace, group, dataId, data string) {
			logger.Info("[nacos] config changed", zap.String("dataId", dataId), zap.String("group", group))
			w.update(data)
		},
	}
	if err := w.src.ListenConfig(param); err != nil {
		return err
	}
	<-ctx.Done()
	_ = w.src.CancelListenConfig(vo.ConfigParam{DataId: w.dataId, Group: w.group})
	return nil
}

func (w *Watcher) update(data string) {
	w.mu.Lock()
	w.current = data
	w.mu.Unlock()
	if w.apply == nil {
		return
	}
	if err := w.apply(data); err != nil {
		logger.Warn("[nacos] apply config failed", zap.String("dataId", w.dataId), zap.Error(err))
	}
}

func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}
