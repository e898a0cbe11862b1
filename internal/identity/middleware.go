package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxActor = "audit_actor"

// Gateway headers honoured when header trust is enabled.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// RequireActor returns a Gin middleware that resolves the calling Actor.
// A Bearer token is always preferred. When trustHeaders is true and no token
// is sent, the gateway headers are accepted instead. verifier may be nil to
// run header-only.
func RequireActor(verifier *Verifier, trustHeaders bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") && verifier != nil {
			actor, err := verifier.Verify(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid access token: " + err.Error(),
				})
				return
			}
			c.Set(ctxActor, actor)
			c.Next()
			return
		}

		if trustHeaders {
			actor, err := actorFromHeaders(c)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.Set(ctxActor, actor)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Bearer token required",
		})
	}
}

var errMissingHeaders = errors.New("X-Tenant-ID and X-User-ID headers required")

func actorFromHeaders(c *gin.Context) (*Actor, error) {
	tenant := strings.TrimSpace(c.GetHeader(HeaderTenantID))
	user := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if tenant == "" || user == "" {
		return nil, errMissingHeaders
	}
	role, err := ParseRole(c.GetHeader(HeaderUserRole))
	if err != nil {
		return nil, err
	}
	return &Actor{UserID: user, TenantID: tenant, Role: role}, nil
}

// ActorFromCtx retrieves the Actor injected by RequireActor.
// Returns nil if the middleware did not run.
func ActorFromCtx(c *gin.Context) *Actor {
	v, _ := c.Get(ctxActor)
	actor, _ := v.(*Actor)
	return actor
}
