package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/authguard/internal/models"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
)

// ListAuditLogs handles GET /admin/audit-logs.
// Filters: action, search, severity, source, resource_type, user_id, from, to (RFC 3339), limit, offset.
func (h *AdminHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.audit.RequireAdmin(r.Context(), actor, "audit_query", "audit_log", ""); err != nil {
		h.fail(w, r, "audit query", err)
		return
	}

	filter, msg := parseAuditFilter(r)
	if msg != "" {
		pkghttp.WriteBadRequest(w, msg)
		return
	}

	page, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "audit query", err)
		return
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(page.Total))
	pkghttp.WriteJSON(w, http.StatusOK, page)
}

// parseAuditFilter returns a non-empty message when a parameter is malformed
func parseAuditFilter(r *http.Request) (models.AuditFilter, string) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		Action:       q.Get("action"),
		Search:       q.Get("search"),
		Severity:     models.Severity(q.Get("severity")),
		Source:       models.AuditSource(q.Get("source")),
		ResourceType: q.Get("resource_type"),
		UserID:       q.Get("user_id"),
	}

	if filter.Severity != "" && !filter.Severity.Valid() {
		return filter, "severity must be one of INFO, WARNING, ERROR, CRITICAL"
	}
	if filter.Source != "" && !filter.Source.Valid() {
		return filter, "source must be one of ADMIN, API, SYSTEM, AUTH, USER"
	}

	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, name + " must be an RFC 3339 timestamp"
			}
			*dst = &t
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, "limit must be a positive integer"
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, "offset must be a non-negative integer"
		}
		filter.Offset = n
	}

	return filter, ""
}
