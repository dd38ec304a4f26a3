package authz

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 连接上的已认证身份
type Identity struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// gin context 里存身份用的 key，中间件写、handler 读
const ContextKeyIdentity = "identity"

// 凭证校验失败。握手阶段直接拒绝连接，不会进任何事件 handler。
var ErrAuthError = errors.New("AUTH_ERROR")

type Claims struct {
	UserID uint64 `json:"sub"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenVerifier 用共享密钥本地验签。凭证由外部鉴权服务签发，
// 这里只认 HS256 的 access token，过期/篡改一律算无效。
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, ErrAuthError
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrAuthError
	}
	// refresh token 不能拿来建连接
	if claims.Type != "" && claims.Type != "access" {
		return Identity{}, ErrAuthError
	}
	return Identity{
		ID:    claims.UserID,
		Name:  claims.Name,
		Email: claims.Email,
		Role:  claims.Role,
	}, nil
}

// SignAccessToken 按外部鉴权服务的格式签一个 access token，
// 测试和本地联调时用。
func SignAccessToken(secret string, ident Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: ident.ID,
		Name:   ident.Name,
		Email:  ident.Email,
		Role:   ident.Role,
		Type:   "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
