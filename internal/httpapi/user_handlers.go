package httpapi

import (
	"net/http"
	"strings"

	"orbaccess.dev/internal/access"
)

type assignUserRoleRequest struct {
	ApplicationID string   `json:"application_id"`
	Environment   string   `json:"environment"`
	RoleID        string   `json:"role_id"`
	RoleName      string   `json:"role_name"`
	Permissions   []string `json:"permissions"`
}

// handleUserResource routes /v1/users/{id}/roles[/{assignmentID}].
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "roles" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch len(parts) {
	case 2:
		a.handleUserRoles(w, r, userID)
	case 3:
		a.removeUserRole(w, r, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		var req assignUserRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
			return
		}
		env, err := access.ParseEnvironment(req.Environment)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		assignment, err := a.access.AssignUserRole(r.Context(), userID, req.ApplicationID, env, access.RoleRef{
			RoleID:      req.RoleID,
			RoleName:    req.RoleName,
			Permissions: req.Permissions,
		})
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.audit(r.Context(), "user.role.assigned", map[string]any{
			"user_id":       userID,
			"assignment_id": assignment.ID,
			"role_id":       assignment.RoleID,
			"environment":   string(assignment.Environment),
		})
		writeJSON(w, http.StatusCreated, assignment)
	case http.MethodGet:
		assignments, err := a.access.ListUserRoles(r.Context(), userID, r.URL.Query().Get("application_id"))
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		if assignments == nil {
			assignments = []access.UserRoleAssignment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": assignments})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) removeUserRole(w http.ResponseWriter, r *http.Request, assignmentID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.access.RemoveUserRole(r.Context(), assignmentID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.role.removed", map[string]any{
		"assignment_id": assignmentID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	env, err := access.ParseEnvironment(q.Get("environment"))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	resolved, err := a.access.Resolve(r.Context(), q.Get("user_id"), q.Get("application_id"), env)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (a *API) handleResolveCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	permission := strings.TrimSpace(q.Get("permission"))
	if permission == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "permission is required")
		return
	}
	env, err := access.ParseEnvironment(q.Get("environment"))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	allowed, err := a.access.HasPermission(r.Context(), q.Get("user_id"), q.Get("application_id"), env, permission)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":    allowed,
		"permission": permission,
	})
}
