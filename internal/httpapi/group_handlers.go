package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"orbaccess.dev/internal/access"
)

type createGroupRequest struct {
	ApplicationID string `json:"application_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Invite bool   `json:"invite"`
}

type assignGroupRoleRequest struct {
	Environment string   `json:"environment"`
	RoleID      string   `json:"role_id"`
	RoleName    string   `json:"role_name"`
	Permissions []string `json:"permissions"`
}

func (a *API) handleGroupsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGroup(w, r)
	case http.MethodGet:
		a.listGroups(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	group, err := a.access.CreateGroup(r.Context(), req.ApplicationID, req.Name, req.Description)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.audit(r.Context(), "group.created", map[string]any{
		"group_id":       group.ID,
		"application_id": group.ApplicationID,
		"name":           group.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/groups/%s", group.ID))
	writeJSON(w, http.StatusCreated, group)
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	applicationID := r.URL.Query().Get("application_id")
	groups, err := a.access.ListGroups(r.Context(), applicationID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if groups == nil {
		groups = []access.Group{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": groups})
}

// handleGroupResource routes /v1/groups/{id}[/members[/{userID}[/accept]]]
// and /v1/groups/{id}/roles[/{assignmentID}].
func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/groups/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	groupID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleGroup(w, r, groupID)
	case parts[1] == "members":
		switch len(parts) {
		case 2:
			a.handleGroupMembers(w, r, groupID)
		case 3:
			a.handleGroupMember(w, r, groupID, parts[2])
		case 4:
			if parts[3] != "accept" {
				writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
				return
			}
			a.acceptInvite(w, r, groupID, parts[2])
		default:
			writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		}
	case parts[1] == "roles":
		switch len(parts) {
		case 2:
			a.handleGroupRoles(w, r, groupID)
		case 3:
			a.removeGroupRole(w, r, groupID, parts[2])
		default:
			writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	}
}

func (a *API) handleGroup(w http.ResponseWriter, r *http.Request, groupID string) {
	switch r.Method {
	case http.MethodGet:
		group, err := a.access.GetGroup(r.Context(), groupID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, group)
	case http.MethodDelete:
		result, err := a.access.DeleteGroup(r.Context(), groupID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.audit(r.Context(), "group.deleted", map[string]any{
			"group_id":         groupID,
			"application_id":   result.Group.ApplicationID,
			"removed_users":    len(result.RemovedUserIDs),
			"removed_roles":    len(result.RemovedRoleIDs),
			"membership_count": result.MembershipCount,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"group":            result.Group,
			"removed_user_ids": result.RemovedUserIDs,
			"removed_role_ids": result.RemovedRoleIDs,
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleGroupMembers(w http.ResponseWriter, r *http.Request, groupID string) {
	switch r.Method {
	case http.MethodPost:
		var req addMemberRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
			return
		}
		var (
			membership access.GroupMembership
			err        error
			event      = "group.member.added"
		)
		if req.Invite {
			membership, err = a.access.InviteMember(r.Context(), groupID, req.UserID)
			event = "group.member.invited"
		} else {
			membership, err = a.access.AddMember(r.Context(), groupID, req.UserID)
		}
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.audit(r.Context(), event, map[string]any{
			"group_id": groupID,
			"user_id":  membership.UserID,
		})
		writeJSON(w, http.StatusCreated, membership)
	case http.MethodGet:
		members, err := a.access.ListMembers(r.Context(), groupID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		if members == nil {
			members = []access.GroupMembership{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": members})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleGroupMember(w http.ResponseWriter, r *http.Request, groupID, userID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.access.RemoveMember(r.Context(), groupID, userID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.audit(r.Context(), "group.member.removed", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) acceptInvite(w http.ResponseWriter, r *http.Request, groupID, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	membership, err := a.access.AcceptInvite(r.Context(), groupID, userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.audit(r.Context(), "group.member.accepted", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	})
	writeJSON(w, http.StatusOK, membership)
}

func (a *API) handleGroupRoles(w http.ResponseWriter, r *http.Request, groupID string) {
	switch r.Method {
	case http.MethodPost:
		var req assignGroupRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
			return
		}
		env, err := access.ParseEnvironment(req.Environment)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		assignment, err := a.access.AssignGroupRole(r.Context(), groupID, env, access.RoleRef{
			RoleID:      req.RoleID,
			RoleName:    req.RoleName,
			Permissions: req.Permissions,
		})
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.audit(r.Context(), "group.role.assigned", map[string]any{
			"group_id":      groupID,
			"assignment_id": assignment.ID,
			"role_id":       assignment.RoleID,
			"environment":   string(assignment.Environment),
		})
		writeJSON(w, http.StatusCreated, assignment)
	case http.MethodGet:
		assignments, err := a.access.ListGroupRoles(r.Context(), groupID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		if assignments == nil {
			assignments = []access.GroupRoleAssignment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": assignments})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) removeGroupRole(w http.ResponseWriter, r *http.Request, groupID, assignmentID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.access.RemoveGroupRole(r.Context(), assignmentID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.audit(r.Context(), "group.role.removed", map[string]any{
		"group_id":      groupID,
		"assignment_id": assignmentID,
	})
	w.WriteHeader(http.StatusNoContent)
}
