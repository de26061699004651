package httpapi

import (
	"net/http"
	"strings"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/apikey"
)

type generateKeyRequest struct {
	OrganizationID string `json:"organization_id"`
	Environment    string `json:"environment"`
}

type keyEnvironmentRequest struct {
	Environment string `json:"environment"`
}

type authorizeRequest struct {
	AuthorizationToken string `json:"authorizationToken"`
}

// handleApplicationResource routes
// /v1/applications/{id}/keys[/rotate|/revoke].
func (a *API) handleApplicationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/applications/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "keys" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	applicationID := parts[0]
	switch len(parts) {
	case 2:
		a.handleKeysCollection(w, r, applicationID)
	case 3:
		switch parts[2] {
		case "rotate":
			a.rotateKey(w, r, applicationID)
		case "revoke":
			a.revokeKey(w, r, applicationID)
		default:
			writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	}
}

func (a *API) handleKeysCollection(w http.ResponseWriter, r *http.Request, applicationID string) {
	switch r.Method {
	case http.MethodPost:
		a.generateKey(w, r, applicationID)
	case http.MethodGet:
		keys, err := a.keys.ListKeys(r.Context(), applicationID)
		if err != nil {
			handleKeyError(w, r, err)
			return
		}
		if keys == nil {
			keys = []apikey.Key{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": keys})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) generateKey(w http.ResponseWriter, r *http.Request, applicationID string) {
	var req generateKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	env, err := access.ParseEnvironment(req.Environment)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	generated, err := a.keys.Generate(r.Context(), applicationID, req.OrganizationID, env)
	if err != nil {
		handleKeyError(w, r, err)
		return
	}
	a.audit(r.Context(), "apikey.generated", map[string]any{
		"application_id": applicationID,
		"key_id":         generated.KeyID,
		"key_prefix":     generated.KeyPrefix,
		"environment":    string(env),
	})
	writeJSON(w, http.StatusCreated, generated)
}

func (a *API) rotateKey(w http.ResponseWriter, r *http.Request, applicationID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req keyEnvironmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	env, err := access.ParseEnvironment(req.Environment)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	rotated, err := a.keys.Rotate(r.Context(), applicationID, env)
	if err != nil {
		handleKeyError(w, r, err)
		return
	}
	a.audit(r.Context(), "apikey.rotated", map[string]any{
		"application_id": applicationID,
		"new_key_id":     rotated.NewKeyID,
		"old_key_id":     rotated.OldKeyID,
		"environment":    string(env),
	})
	writeJSON(w, http.StatusOK, rotated)
}

func (a *API) revokeKey(w http.ResponseWriter, r *http.Request, applicationID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req keyEnvironmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	env, err := access.ParseEnvironment(req.Environment)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if err := a.keys.Revoke(r.Context(), applicationID, env); err != nil {
		handleKeyError(w, r, err)
		return
	}
	a.audit(r.Context(), "apikey.revoked", map[string]any{
		"application_id": applicationID,
		"environment":    string(env),
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthorize is the gateway-facing decision endpoint. The token
// comes from the JSON body or the Authorization header; the response
// body shape is a stable contract, so denials are returned with 200
// and only throttling changes the status code.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		req.AuthorizationToken = ""
	}
	token := strings.TrimSpace(req.AuthorizationToken)
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}

	decision, outcome := a.authorizer.Authorize(r.Context(), token)
	status := http.StatusOK
	if outcome == apikey.OutcomeThrottled {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, decision)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	const scheme = "Bearer "
	if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
		return strings.TrimSpace(header[len(scheme):])
	}
	return ""
}
