package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"realtimeServer/backend/internal/authz"
)

// AuthMiddleware 在升级/进 handler 之前完成凭证校验：没凭证或
// 凭证无效的请求到不了任何业务逻辑。
func AuthMiddleware(verifier *authz.TokenVerifier) gin.HandlerFunc {
	// 返回一个符合 gin.HandlerFunc 类型的函数
	return func(c *gin.Context) {
		// 1. 从 Authorization 头中提取令牌
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_ERROR",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		ident, err := verifier.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_ERROR",
				"message": "invalid token",
			})
			return
		}

		c.Set(authz.ContextKeyIdentity, ident)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
