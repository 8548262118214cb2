package auth

import (
	"net/http"
	"strings"
	"time"

	"relayd/pkg/observability"
)

// AuditEntry records one authentication or admin action.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	Action    string    `json:"action"`
	Principal string    `json:"principal,omitempty"`
	IsRoot    bool      `json:"isRoot,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditLogger writes audit entries through the structured logger; login
// attempts and admin mutations pass through here so operators can trace
// who did what without a separate audit store.
type AuditLogger struct {
	log *observability.Logger
}

// NewAuditLogger creates an audit logger on top of log.
func NewAuditLogger(log *observability.Logger) *AuditLogger {
	return &AuditLogger{log: log}
}

// Record logs one entry.
func (a *AuditLogger) Record(entry AuditEntry) {
	if a == nil || a.log == nil {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	l := a.log.WithFields(map[string]interface{}{
		"audit":     true,
		"action":    entry.Action,
		"principal": entry.Principal,
		"isRoot":    entry.IsRoot,
		"ip":        entry.IP,
		"success":   entry.Success,
	})
	if entry.Success {
		l.Info("audit: " + entry.Action)
		return
	}
	l.WithField("detail", entry.Detail).Warn("audit: " + entry.Action)
}

// RecordRequest logs an entry derived from an HTTP request.
func (a *AuditLogger) RecordRequest(r *http.Request, action string, p *Principal, success bool, detail string) {
	entry := AuditEntry{
		Action:    action,
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   success,
		Detail:    detail,
	}
	if p != nil {
		entry.Principal = p.Username
		entry.IsRoot = p.IsRoot
	}
	a.Record(entry)
}

// ClientIP extracts the originating client address, honoring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return xr
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}
