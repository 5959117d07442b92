// Package middleware 提供 HTTP 中间件
package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/dto"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

const (
	// AuthHeader 认证头
	AuthHeader = "Authorization"
	// BearerPrefix Bearer 前缀
	BearerPrefix = "Bearer "
	// HeaderHMACSignature HMAC 签名头, hex(HMAC-SHA256("{timestamp}.{body}"))
	HeaderHMACSignature = "X-HMAC-Signature"
	// HeaderHMACTimestamp 签名时间戳头, 毫秒
	HeaderHMACTimestamp = "X-HMAC-Timestamp"

	// ContextKeyClaims 上下文中的 Claims 键
	ContextKeyClaims = "claims"
	// ContextKeyAuthMethod 上下文中的认证方式键
	ContextKeyAuthMethod = "auth_method"

	AuthMethodHMAC = "hmac"
	AuthMethodJWT  = "jwt"

	tokenIssuer = "eidos-trust"
)

// 权限
const (
	PermRulesView    = "rules.view"
	PermRulesManage  = "rules.manage"
	PermAlertsView   = "alerts.view"
	PermAlertsManage = "alerts.manage"
)

// RolePermissions 角色默认权限. token 中显式声明的权限与之合并
var RolePermissions = map[string][]string{
	"admin":   {PermRulesView, PermRulesManage, PermAlertsView, PermAlertsManage},
	"analyst": {PermRulesView, PermAlertsView, PermAlertsManage},
	"viewer":  {PermRulesView, PermAlertsView},
}

// Claims JWT Claims
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// HasPermission 是否具有指定权限
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	for _, p := range RolePermissions[c.Role] {
		if p == perm {
			return true
		}
	}
	return false
}

// TokenValidator HS256 JWT 签发与校验
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator 创建 JWT 校验器
func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// IssueToken 签发 token
func (v *TokenValidator) IssueToken(subject, role string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:        role,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ValidateToken 校验 token
func (v *TokenValidator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ReplayChecker 签名防重放
type ReplayChecker interface {
	Seen(ctx context.Context, signature string) (bool, error)
}

// HMACVerifier 服务间 HMAC 签名校验
type HMACVerifier struct {
	secret []byte
	window time.Duration
	replay ReplayChecker
	now    func() time.Time
}

// NewHMACVerifier 创建签名校验器. replay 为 nil 时不做防重放
func NewHMACVerifier(secret string, window time.Duration, replay ReplayChecker) *HMACVerifier {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &HMACVerifier{secret: []byte(secret), window: window, replay: replay, now: time.Now}
}

// Sign 计算签名
func (h *HMACVerifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验签名, 时间戳与重放
func (h *HMACVerifier) Verify(ctx context.Context, signature, timestamp string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return bizerr.ErrInvalidSignature
	}
	age := h.now().Sub(time.UnixMilli(ts))
	if age > h.window || age < -h.window {
		return bizerr.ErrSignatureExpired
	}

	expected := h.Sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return bizerr.ErrInvalidSignature
	}

	// 以规范签名记录, 大小写变体视为同一请求
	if h.replay != nil {
		seen, err := h.replay.Seen(ctx, expected)
		if err != nil {
			// 无法确认未重放时拒绝
			logger.Error("replay guard unavailable", zap.Error(err))
			return bizerr.ErrServiceUnavailable
		}
		if seen {
			return bizerr.ErrSignatureReplay
		}
	}
	return nil
}

// DualAuth 决策接口认证: HMAC 签名或 Bearer token 任一通过即可
//
// 带签名头时只按 HMAC 校验, 不回退到 token.
func DualAuth(verifier *HMACVerifier, tokens *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if signature := c.GetHeader(HeaderHMACSignature); signature != "" {
			body, err := readBody(c)
			if err != nil {
				abortAuth(c, "read_body", bizerr.ErrInvalidRequest)
				return
			}
			if err := verifier.Verify(c.Request.Context(), signature, c.GetHeader(HeaderHMACTimestamp), body); err != nil {
				abortAuth(c, bizerr.GetCode(err), err)
				return
			}
			c.Set(ContextKeyAuthMethod, AuthMethodHMAC)
			c.Next()
			return
		}

		if authHeader := c.GetHeader(AuthHeader); strings.HasPrefix(authHeader, BearerPrefix) {
			claims, err := tokens.ValidateToken(strings.TrimPrefix(authHeader, BearerPrefix))
			if err != nil {
				abortAuth(c, "token_invalid", bizerr.ErrInvalidToken)
				return
			}
			c.Set(ContextKeyClaims, claims)
			c.Set(ContextKeyAuthMethod, AuthMethodJWT)
			c.Next()
			return
		}

		abortAuth(c, "missing", bizerr.ErrAuthMissing)
	}
}

// AdminAuth 管理接口认证, 仅接受 Bearer token
func AdminAuth(tokens *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeader)
		if !strings.HasPrefix(authHeader, BearerPrefix) {
			abortAuth(c, "missing", bizerr.ErrUnauthorized)
			return
		}

		claims, err := tokens.ValidateToken(strings.TrimPrefix(authHeader, BearerPrefix))
		if err != nil {
			abortAuth(c, "token_invalid", bizerr.ErrInvalidToken)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyAuthMethod, AuthMethodJWT)
		c.Next()
	}
}

// RequirePermission 权限检查, 具备任一权限即可
func RequirePermission(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			abortAuth(c, "missing", bizerr.ErrUnauthorized)
			return
		}

		for _, perm := range permissions {
			if claims.HasPermission(perm) {
				c.Next()
				return
			}
		}

		metrics.RecordAuthFailure("forbidden")
		c.AbortWithStatusJSON(bizerr.ErrForbidden.HTTPStatus, dto.NewErrorResponse(bizerr.ErrForbidden))
	}
}

// GetClaims 从上下文获取 Claims
func GetClaims(c *gin.Context) *Claims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		if typed, ok := claims.(*Claims); ok {
			return typed
		}
	}
	return nil
}

// GetActor 当前操作者, 取 token subject
func GetActor(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return claims.Subject
	}
	return ""
}

// readBody 读取请求体并放回, 供后续绑定
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func abortAuth(c *gin.Context, reason string, err error) {
	metrics.RecordAuthFailure(strings.ToLower(reason))
	logger.Warn("authentication rejected",
		zap.String("path", c.Request.URL.Path),
		zap.String("ip", c.ClientIP()),
		zap.String("reason", reason),
	)
	c.AbortWithStatusJSON(bizerr.ToHTTPStatus(err), dto.NewErrorResponse(err))
}
