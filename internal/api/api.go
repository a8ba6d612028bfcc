// Package api serves the machines REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/internal/machines"
	"github.com/celerix-dev/celerix-machines/internal/metrics"
	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

// Store is the lookup surface the handlers need.
type Store interface {
	LookupToken(ctx context.Context, token string) (string, error)
	GetUser(ctx context.Context, username string) (*schema.User, error)
	GetIdentity(ctx context.Context, id string) (*schema.Identity, error)
	ProjectViews(ctx context.Context, username string) ([]schema.ProjectView, error)
}

type Handler struct {
	Machines *machines.Service
	Store    Store
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// NewRouter builds the gin engine with middleware and every route registered.
func NewRouter(h *Handler) *gin.Engine {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	useJSONFieldNames()

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logger(h.Log), CORS())
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware())
		r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
	}
	r.GET("/ping", h.Ping)
	h.Register(r.Group("/api/v1"))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "API route not found")
	})
	return r
}

// Register mounts the authenticated API routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.Use(h.Authenticate())
	g.GET("/project", h.ListProjects)

	m := g.Group("/provider/:provider/identity/:identity/machine", h.Scope())
	{
		m.GET("", h.ListMachines)
		m.GET("/history", h.MachineHistory)
		m.GET("/:machine", h.GetMachine)
		m.PATCH("/:machine", h.UpdateMachine)
		m.PUT("/:machine", h.UpdateMachine)
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"msg": "pong"})
}

func (h *Handler) ListMachines(c *gin.Context) {
	list, err := h.Machines.List(c.Request.Context(), scopeOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) MachineHistory(c *gin.Context) {
	list, err := h.Machines.History(c.Request.Context(), scopeOf(c), c.GetString(usernameKey))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")

	page := c.Query("page")
	if page == "" {
		c.JSON(http.StatusOK, list)
		return
	}

	p := machines.Paginate(list, page, machines.PageSize)
	out := schema.MachinePage{
		Count:   p.Count,
		Results: p.Results,
	}
	if p.HasNext() {
		out.Next = pageURL(c, p.Number+1)
	}
	if p.HasPrevious() {
		out.Previous = pageURL(c, p.Number-1)
	}
	c.JSON(http.StatusOK, out)
}

func pageURL(c *gin.Context, n int) *string {
	u := *c.Request.URL
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	s := u.RequestURI()
	return &s
}

func (h *Handler) GetMachine(c *gin.Context) {
	m, err := h.Machines.Get(c.Request.Context(), scopeOf(c), c.Param("machine"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// UpdateMachine serves both PATCH and PUT; both apply only the fields present.
// Payload problems are reported only after the caller has been authorized.
func (h *Handler) UpdateMachine(c *gin.Context) {
	var upd schema.MachineUpdate
	decodeErr := json.NewDecoder(c.Request.Body).Decode(&upd)
	if errors.Is(decodeErr, io.EOF) {
		decodeErr = nil
	}

	ifMatch, matchErr := parseIfMatch(c.GetHeader("If-Match"))
	if ifMatch == nil {
		ifMatch = upd.Version
	}

	validate := func(u *schema.MachineUpdate) error {
		if decodeErr != nil {
			return decodeErr
		}
		if matchErr != nil {
			return matchErr
		}
		return binding.Validator.ValidateStruct(u)
	}

	m, err := h.Machines.Update(c.Request.Context(), scopeOf(c), userOf(c), c.Param("machine"), &upd, validate, ifMatch)
	h.countUpdate(err)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// parseIfMatch reads a version from an If-Match header such as `"3"` or `W/"3"`.
// `*` matches any current version and sets no precondition.
func parseIfMatch(v string) (*int64, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return nil, nil
	}
	v = strings.Trim(strings.TrimPrefix(v, "W/"), `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("If-Match must carry a machine version: %w", err)
	}
	return &n, nil
}

func (h *Handler) countUpdate(err error) {
	if h.Metrics == nil {
		return
	}
	outcome := "ok"
	var verr *machines.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		outcome = "invalid"
	case errors.Is(err, machines.ErrNotAuthorized):
		outcome = "denied"
	case errors.Is(err, machines.ErrVersionConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	h.Metrics.MachineUpdates.WithLabelValues(outcome).Inc()
}

func (h *Handler) ListProjects(c *gin.Context) {
	views, err := h.Store.ProjectViews(c.Request.Context(), c.GetString(usernameKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if views == nil {
		views = []schema.ProjectView{}
	}
	c.JSON(http.StatusOK, views)
}
