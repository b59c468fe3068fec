// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// maxAuditLimit caps a single audit query response.
const maxAuditLimit = 1000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuditQuery serves filtered audit entries for external log
// shipping. Filters: identity, action, decision, since, until (RFC 3339),
// limit. format=yaml switches the response body to YAML.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, err)
		return
	}

	body := map[string]any{
		"entries": auditEntriesJSON(entries),
		"count":   len(entries),
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, body)
	case "yaml":
		writeYAML(w, http.StatusOK, body)
	default:
		writeError(w, tetherr.Errorf(tetherr.CodeServerRequestInvalid, "unsupported format %q", format))
	}
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if identity == "" {
		writeError(w, tetherr.New(tetherr.CodeServerRequestInvalid, "identity is required"))
		return
	}

	if err := s.sessions.Stop(r.Context(), identity); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("session stopped via ops surface", "identity", identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "identity": identity})
}

func auditFilterFromQuery(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Identity: q.Get("identity"),
		Action:   q.Get("action"),
		Decision: q.Get("decision"),
		Limit:    maxAuditLimit,
	}

	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, tetherr.Wrap(err, tetherr.CodeServerRequestInvalid, "invalid since timestamp")
		}
		filter.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, tetherr.Wrap(err, tetherr.CodeServerRequestInvalid, "invalid until timestamp")
		}
		filter.Until = ts
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, tetherr.New(tetherr.CodeServerRequestInvalid, "limit must be a positive integer")
		}
		if n < maxAuditLimit {
			filter.Limit = n
		}
	}
	return filter, nil
}

// auditEntryJSON is the wire form of one audit entry.
type auditEntryJSON struct {
	ID        string         `json:"id" yaml:"id"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Identity  string         `json:"identity,omitempty" yaml:"identity,omitempty"`
	Action    string         `json:"action" yaml:"action"`
	Decision  string         `json:"decision" yaml:"decision"`
	Reason    string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

func auditEntriesJSON(entries []*store.AuditEntry) []auditEntryJSON {
	out := make([]auditEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryJSON{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Identity:  e.Identity,
			Action:    e.Action,
			Decision:  e.Decision,
			Reason:    e.Reason,
			Details:   e.Details,
		})
	}
	return out
}

func writeYAML(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(status)
	_ = yaml.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, tetherr.HTTPStatus(err), map[string]any{
		"error": err.Error(),
		"code":  string(tetherr.CodeOf(err)),
	})
}
