package security

import (
	"net/http"
	"strings"

	"PPRealtime/global"
	"PPRealtime/tools/errs"
	sec "PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
)

// 后续 handler 统一用这个 key 取身份
const PPCtxIdentityKey = "identity"

type Options struct {
	Verify sec.Options

	HeaderToken               string // 默认 "authorization"
	QueryToken                string // 浏览器 ws 握手带不了 header，默认 "token"
	EnableAuthorizationBearer bool   // 默认 true
}

func DefaultOptions(verify sec.Options) *Options {
	return &Options{
		Verify:                    verify,
		HeaderToken:               "authorization",
		QueryToken:                "token",
		EnableAuthorizationBearer: true,
	}
}

func tokenFrom(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if token != "" && opts.EnableAuthorizationBearer {
		token = sec.BearerToken(token)
	}
	if token == "" && opts.QueryToken != "" {
		token = strings.TrimSpace(c.Query(opts.QueryToken))
	}
	return token
}

// Middleware 校验 token，身份写入 context；失败 401
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFrom(c, opts)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				global.Fail(errs.ErrInvalidArgument.WrapMsg("missing token")))
			return
		}
		id, err := sec.Verify(opts.Verify, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				global.Fail(errs.ErrInvalidArgument.WrapMsg("invalid token", "err", err.Error())))
			return
		}
		c.Set(PPCtxIdentityKey, id)
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (*sec.Identity, bool) {
	v, ok := c.Get(PPCtxIdentityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*sec.Identity)
	return id, ok
}
