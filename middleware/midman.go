package middleware

import (
	"net/http"
	"sync"

	"PPRealtime/global"
	"PPRealtime/tools/errs"

	"github.com/gin-gonic/gin"
)

// MiddlewareManager 运行期可增删的具名中间件，网关挂在 engine 最外层
type MiddlewareManager struct {
	mu    sync.RWMutex
	order []string
	mids  map[string]gin.HandlerFunc
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{mids: make(map[string]gin.HandlerFunc)}
}

// Set 同名替换，新名字追加到末尾
func (m *MiddlewareManager) Set(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mids[name]; !ok {
		m.order = append(m.order, name)
	}
	m.mids[name] = h
}

func (m *MiddlewareManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mids[name]; !ok {
		return
	}
	delete(m.mids, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *MiddlewareManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Use 返回挂到 Engine 上的总控 handler，每个请求取一次快照
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := make([]gin.HandlerFunc, 0, len(m.order))
		for _, n := range m.order {
			handlers = append(handlers, m.mids[n])
		}
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}

// Drain 停机期间拒绝新请求（健康检查除外）
func Drain(skip ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range skip {
			if c.FullPath() == p {
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable,
			global.Fail(errs.ErrTryAgain.WrapMsg("instance draining")))
	}
}
