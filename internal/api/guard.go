package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleTrainer  = "trainer"

	actorContextKey = "approval_actor"
)

// Actor 已经认证的调用方
type Actor struct {
	TenantID int64
	UserID   int64
	Role     string
}

// CanReview 只有 admin 和 reviewer 可以审核
func (a *Actor) CanReview() bool {
	return a.Role == RoleAdmin || a.Role == RoleReviewer
}

// AccessGuard 认证由外部完成, 这里只负责从请求里面拿到调用方
type AccessGuard interface {
	Authenticate(c *gin.Context) (*Actor, error)
}

// HeaderAccessGuard 信任网关写入的请求头, 只能部署在网关后面
type HeaderAccessGuard struct{}

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

func (HeaderAccessGuard) Authenticate(c *gin.Context) (*Actor, error) {
	tenantID, err := strconv.ParseInt(c.GetHeader(HeaderTenantID), 10, 64)
	if err != nil || tenantID <= 0 {
		return nil, errors.Wrapf(ErrUnauthenticated, "invalid %s header", HeaderTenantID)
	}
	userID, err := strconv.ParseInt(c.GetHeader(HeaderUserID), 10, 64)
	if err != nil || userID <= 0 {
		return nil, errors.Wrapf(ErrUnauthenticated, "invalid %s header", HeaderUserID)
	}
	return &Actor{
		TenantID: tenantID,
		UserID:   userID,
		Role:     strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole))),
	}, nil
}

// AuthMiddleware 认证失败直接返回 401
func AuthMiddleware(guard AccessGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := guard.Authenticate(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

// RequireReviewer 必须在 AuthMiddleware 之后
func RequireReviewer() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok || !actor.CanReview() {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (*Actor, bool) {
	v, exists := c.Get(actorContextKey)
	if !exists {
		return nil, false
	}
	actor, ok := v.(*Actor)
	return actor, ok
}
