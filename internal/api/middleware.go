package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/internal/machines"
	"github.com/celerix-dev/celerix-machines/internal/store"
	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

const (
	requestIDKey = "request_id"
	usernameKey  = "username"
	userKey      = "user"
	scopeKey     = "scope"
)

// RequestID tags every request with an X-Request-ID, reusing the caller's if given.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Logger writes one structured line per request.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		if u := c.GetString(usernameKey); u != "" {
			fields = append(fields, zap.String("user", u))
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// CORS allows browser clients on any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, PUT, PATCH, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, If-Match, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Authenticate requires an "Authorization: Token <token>" header naming a known token.
func (h *Handler) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || token == "" || !(strings.EqualFold(scheme, "Token") || strings.EqualFold(scheme, "Bearer")) {
			fail(c, http.StatusUnauthorized, msgNoCredentials)
			return
		}

		username, err := h.Store.LookupToken(c.Request.Context(), strings.TrimSpace(token))
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusUnauthorized, msgBadToken)
			return
		}
		if err != nil {
			h.respondError(c, err)
			return
		}

		c.Set(usernameKey, username)
		c.Next()
	}
}

// Scope resolves the :provider/:identity pair and checks the caller may use the identity.
// A token whose user record is gone is answered with 401 "User not found".
func (h *Handler) Scope() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		providerID := c.Param("provider")

		user, err := h.Store.GetUser(ctx, c.GetString(usernameKey))
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(c, machines.ErrUserNotFound)
			return
		}
		if err != nil {
			h.respondError(c, err)
			return
		}

		identity, err := h.Store.GetIdentity(ctx, c.Param("identity"))
		if errors.Is(err, store.ErrNotFound) || (err == nil && identity.ProviderID != providerID) {
			fail(c, http.StatusNotFound, "Identity not found")
			return
		}
		if err != nil {
			h.respondError(c, err)
			return
		}

		if !identity.Allows(user) {
			h.Log.Warn("identity access denied",
				zap.String("user", user.Username), zap.String("identity", identity.ID))
			fail(c, http.StatusForbidden, "You do not have access to this identity.")
			return
		}

		c.Set(userKey, user)
		c.Set(scopeKey, machines.Scope{ProviderID: providerID, Identity: identity})
		c.Next()
	}
}

func scopeOf(c *gin.Context) machines.Scope {
	return c.MustGet(scopeKey).(machines.Scope)
}

func userOf(c *gin.Context) *schema.User {
	return c.MustGet(userKey).(*schema.User)
}
