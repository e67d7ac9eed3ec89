package middleware

import (
	midsec "PPRealtime/middleware/security"

	"github.com/gin-gonic/gin"
)

// RouteOpt 路由级选项
type RouteOpt struct {
	Auth   *midsec.Options   // 非空即需要鉴权
	Before []gin.HandlerFunc // 鉴权之前执行，例如来源校验
}

func chain(handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	hs := append([]gin.HandlerFunc(nil), opt.Before...)
	if opt.Auth != nil {
		hs = append(hs, midsec.Middleware(opt.Auth))
	}
	return append(hs, handler)
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, chain(handler, opt)...)
}
