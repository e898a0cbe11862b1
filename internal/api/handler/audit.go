package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/InspectionAudit/internal/audit"
	"github.com/jmerrifield20/InspectionAudit/internal/identity"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// AuditHandler exposes the tenant audit chain over HTTP. The tenant is
// always taken from the authenticated actor, never from the request.
type AuditHandler struct {
	ledger audit.Ledger
	authn  gin.HandlerFunc
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler. authn must resolve the caller
// (see identity.RequireActor).
func NewAuditHandler(ledger audit.Ledger, authn gin.HandlerFunc, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{ledger: ledger, authn: authn, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit", h.authn)
	{
		a.POST("", h.Append)
		a.GET("", h.List)
		a.GET("/head", h.Head)
		a.GET("/verify", h.Verify)
		a.GET("/entries/:id", h.GetEntry)
	}
}

// appendRequest is the body of POST /audit. Payload is kept raw so number
// literals reach the canonicaliser unchanged.
type appendRequest struct {
	EntityType string          `json:"entity_type" binding:"required"`
	EntityID   string          `json:"entity_id" binding:"required"`
	Action     string          `json:"action" binding:"required"`
	Payload    json.RawMessage `json:"payload"`
}

// Append handles POST /audit: records one action in the caller's tenant chain.
func (h *AuditHandler) Append(c *gin.Context) {
	actor := identity.ActorFromCtx(c)

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var payload any = req.Payload
	switch raw := bytes.TrimSpace(req.Payload); {
	case len(raw) == 0:
		payload = map[string]any{}
	case raw[0] != '{':
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be a JSON object"})
		return
	}

	entry, err := h.ledger.Append(c.Request.Context(), audit.AppendRequest{
		TenantID:    actor.TenantID,
		ActorUserID: actor.UserID,
		ActorRole:   string(actor.Role),
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Action:      req.Action,
		Payload:     payload,
	})
	if err != nil {
		RecordAuditAppend(false)
		switch {
		case errors.Is(err, audit.ErrNotCanonical), errors.Is(err, audit.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, audit.ErrForkConflict):
			h.logger.Warn("audit append conflict", zap.String("tenant_id", actor.TenantID), zap.Error(err))
			c.JSON(http.StatusConflict, gin.H{"error": "audit chain busy, retry the request"})
		default:
			h.logger.Error("audit append", zap.String("tenant_id", actor.TenantID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record audit entry"})
		}
		return
	}
	RecordAuditAppend(true)

	renderJSON(c, http.StatusCreated, entry)
}

// List handles GET /audit: returns the caller's chain in order.
func (h *AuditHandler) List(c *gin.Context) {
	actor := identity.ActorFromCtx(c)

	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxPageSize)

	entries, err := h.ledger.List(c.Request.Context(), actor.TenantID, offset, limit)
	if err != nil {
		h.logger.Error("audit List", zap.String("tenant_id", actor.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit log"})
		return
	}

	renderJSON(c, http.StatusOK, gin.H{
		"entries": entries,
		"offset":  offset,
		"limit":   limit,
	})
}

// Head handles GET /audit/head: returns the chain head and chain length.
func (h *AuditHandler) Head(c *gin.Context) {
	ctx := c.Request.Context()
	actor := identity.ActorFromCtx(c)

	head, err := h.ledger.Head(ctx, actor.TenantID)
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log is empty"})
		return
	}
	if err != nil {
		h.logger.Error("audit Head", zap.String("tenant_id", actor.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit head"})
		return
	}

	count, err := h.ledger.Len(ctx, actor.TenantID)
	if err != nil {
		h.logger.Error("audit Len", zap.String("tenant_id", actor.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit log"})
		return
	}

	renderJSON(c, http.StatusOK, gin.H{
		"entries": count,
		"head":    head,
	})
}

// Verify handles GET /audit/verify: walks the caller's chain and reports integrity.
func (h *AuditHandler) Verify(c *gin.Context) {
	actor := identity.ActorFromCtx(c)

	report, err := h.ledger.Verify(c.Request.Context(), actor.TenantID)
	if err != nil {
		h.logger.Error("audit Verify", zap.String("tenant_id", actor.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log"})
		return
	}
	if !report.Valid {
		RecordVerifyFailure()
		h.logger.Warn("audit chain integrity check failed",
			zap.String("tenant_id", actor.TenantID),
			zap.Stringer("violation", report.Violation),
		)
	}

	c.JSON(http.StatusOK, report)
}

// GetEntry handles GET /audit/entries/:id: returns a single entry.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	actor := identity.ActorFromCtx(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), actor.TenantID, id)
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("audit Get", zap.String("tenant_id", actor.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit log"})
		return
	}

	renderJSON(c, http.StatusOK, entry)
}

// renderJSON writes v without HTML escaping so entry payloads are served
// byte-for-byte as stored and re-hash to their entry_hash.
func renderJSON(c *gin.Context, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode response"})
		return
	}
	c.Data(status, "application/json; charset=utf-8", buf.Bytes())
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
