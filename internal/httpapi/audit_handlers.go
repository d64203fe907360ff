package httpapi

import "net/http"

const (
	auditListDefault = 200
	auditListMin     = 1
	auditListMax     = 2000
)

// handleAuditList returns recent audit events, newest first. Reviewer and
// admin only.
func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sub, err := a.subjectFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !sub.Role.Privileged() {
		writeError(w, http.StatusForbidden, "reviewer role required")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), auditListDefault, auditListMin, auditListMax)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := a.audit.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": events})
}
