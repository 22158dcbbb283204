package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/response"
	"golang.org/x/time/rate"
)

const principalKey = "principal"

// Configure limits per endpoint type
var (
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit = rate.Limit(300.0 / 60.0)  // 300 requests per minute
	readLimit    = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	burst    int
}

// NewRateLimiter starts the idle-visitor cleanup loop, which stops with ctx.
func NewRateLimiter(ctx context.Context, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		burst:    burst,
	}
	go rl.cleanup(ctx)
	return rl
}

func limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/admin"):
		return rate.Inf
	case method == "GET":
		return readLimit
	case strings.HasPrefix(path, "/api/v1/orders"), strings.HasPrefix(path, "/api/v1/funds"):
		return tradingLimit
	}
	return rate.Inf
}

func (rl *RateLimiter) limiter(method, path, caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + method + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(limitFor(method, path), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Handler limits by authenticated user when known, otherwise by client IP
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.ClientIP()
		if p, ok := PrincipalFrom(c); ok {
			caller = p.UserID
		}

		if !rl.limiter(c.Request.Method, c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// Authenticator turns a bearer token into a principal
type Authenticator interface {
	Authenticate(token string) (types.Principal, error)
}

func JWTAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Fields(c.GetHeader("Authorization"))
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		principal, err := auth.Authenticate(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole rejects principals whose role is not allowed
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			c.Abort()
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "Insufficient permissions")
		c.Abort()
	}
}

// PrincipalFrom returns the principal set by JWTAuth
func PrincipalFrom(c *gin.Context) (types.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return types.Principal{}, false
	}
	p, ok := v.(types.Principal)
	return p, ok
}

// SetPrincipal is used by tests and internal callers that authenticate by other means
func SetPrincipal(c *gin.Context, p types.Principal) {
	c.Set(principalKey, p)
}
