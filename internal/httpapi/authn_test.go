package httpapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/apikey"
	"orbaccess.dev/internal/store/memory"
)

func newSecuredAPI(t *testing.T, secret string) *apiClient {
	t.Helper()
	t.Setenv(EnvAuthSecret, secret)

	store := memory.New()
	accessSvc, err := access.NewService(store)
	if err != nil {
		t.Fatalf("access.NewService: %v", err)
	}
	keySvc, err := apikey.NewService(store)
	if err != nil {
		t.Fatalf("apikey.NewService: %v", err)
	}
	authorizer, err := apikey.NewAuthorizer(keySvc)
	if err != nil {
		t.Fatalf("apikey.NewAuthorizer: %v", err)
	}

	api := New(ReadyProbe{}, "test", accessSvc, keySvc, authorizer)
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func TestAdminAuthRequired(t *testing.T) {
	c := newSecuredAPI(t, "test-secret")

	resp := c.post("/v1/groups", map[string]any{
		"application_id": "app-1",
		"name":           "Developers",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["code"] != codeUnauthorized {
		t.Fatalf("expected code %s, got %v", codeUnauthorized, body["code"])
	}
}

func TestAdminAuthAcceptsValidToken(t *testing.T) {
	c := newSecuredAPI(t, "test-secret")

	token, err := SignAdminToken([]byte("test-secret"), "admin-1", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("SignAdminToken: %v", err)
	}

	resp := c.post("/v1/groups", map[string]any{
		"application_id": "app-1",
		"name":           "Developers",
	}, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminAuthRejectsWrongSecret(t *testing.T) {
	c := newSecuredAPI(t, "test-secret")

	token, err := SignAdminToken([]byte("other-secret"), "admin-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("SignAdminToken: %v", err)
	}

	resp := c.post("/v1/groups", map[string]any{
		"application_id": "app-1",
		"name":           "Developers",
	}, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthorizeStaysPublicWhenSecured(t *testing.T) {
	c := newSecuredAPI(t, "test-secret")

	resp := c.post("/v1/authorize", map[string]any{"authorizationToken": "junk"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize must not require admin auth, got %d", resp.StatusCode)
	}
	decision := decodeBody[apikey.Decision](t, resp)
	if decision.IsAuthorized {
		t.Fatal("junk token must be denied")
	}
}

func TestHealthStaysPublicWhenSecured(t *testing.T) {
	c := newSecuredAPI(t, "test-secret")

	resp := c.get("/healthz", url.Values{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
