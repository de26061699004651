package apikey_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/apikey"
	"orbaccess.dev/internal/store/memory"
)

func newTestAuthorizer(t *testing.T, opts ...apikey.AuthorizerOption) (*apikey.Service, *apikey.Authorizer, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := apikey.NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	authorizer, err := apikey.NewAuthorizer(svc, opts...)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	return svc, authorizer, store
}

func TestAuthorizeAllow(t *testing.T) {
	svc, authorizer, _ := newTestAuthorizer(t)
	ctx := context.Background()

	generated, err := svc.Generate(ctx, "app-1", "org-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	decision, outcome := authorizer.Authorize(ctx, generated.Key)
	if outcome != apikey.OutcomeAllow {
		t.Fatalf("outcome: got %s, want allow", outcome)
	}
	if !decision.IsAuthorized {
		t.Fatal("decision not authorized")
	}
	want := map[string]string{
		"organizationId": "org-1",
		"applicationId":  "app-1",
		"environment":    "PRODUCTION",
		"keyId":          generated.KeyID,
	}
	for k, v := range want {
		if decision.ResolverContext[k] != v {
			t.Fatalf("resolverContext[%s]: got %q, want %q", k, decision.ResolverContext[k], v)
		}
	}
	if len(decision.DeniedFields) != 0 {
		t.Fatalf("deniedFields on allow: %v", decision.DeniedFields)
	}
	if decision.TTLOverride != apikey.DecisionTTLSeconds {
		t.Fatalf("ttlOverride: got %d, want %d", decision.TTLOverride, apikey.DecisionTTLSeconds)
	}
}

func TestDenyDecisionWireShape(t *testing.T) {
	_, authorizer, _ := newTestAuthorizer(t)

	decision, outcome := authorizer.Authorize(context.Background(), "garbage")
	if outcome != apikey.OutcomeDeny {
		t.Fatalf("outcome: got %s, want deny", outcome)
	}
	body, err := json.Marshal(decision)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	const want = `{"isAuthorized":false,"resolverContext":{},"deniedFields":["*"],"ttlOverride":0}`
	if string(body) != want {
		t.Fatalf("deny body:\n got %s\nwant %s", body, want)
	}
}

func TestAllowDecisionsAreCached(t *testing.T) {
	svc, authorizer, store := newTestAuthorizer(t)
	ctx := context.Background()

	generated, err := svc.Generate(ctx, "app-1", "org-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeAllow {
		t.Fatalf("first authorize: %s", outcome)
	}

	// Flip the record behind the service's back; the cached decision
	// keeps answering until something invalidates it.
	if err := store.UpdateKeyStatus(ctx, generated.KeyID, apikey.StatusActive, apikey.StatusRevoked); err != nil {
		t.Fatalf("UpdateKeyStatus: %v", err)
	}
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeAllow {
		t.Fatalf("cached authorize: %s", outcome)
	}

	authorizer.InvalidateToken(generated.Key)
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeDeny {
		t.Fatalf("post-invalidation authorize: %s", outcome)
	}
}

func TestRevokeDropsCachedDecision(t *testing.T) {
	svc, authorizer, _ := newTestAuthorizer(t)
	ctx := context.Background()

	generated, err := svc.Generate(ctx, "app-1", "org-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeAllow {
		t.Fatalf("authorize before revoke: %s", outcome)
	}

	if err := svc.Revoke(ctx, "app-1", access.EnvProduction); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// The invalidation hook fires synchronously inside Revoke, so the
	// very next call must miss the cache and deny.
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeDeny {
		t.Fatalf("authorize after revoke: %s", outcome)
	}
}

func TestDenialsAreNotCached(t *testing.T) {
	svc, authorizer, store := newTestAuthorizer(t)
	ctx := context.Background()

	generated, err := svc.Generate(ctx, "app-1", "org-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := store.UpdateKeyStatus(ctx, generated.KeyID, apikey.StatusActive, apikey.StatusRevoked); err != nil {
		t.Fatalf("UpdateKeyStatus: %v", err)
	}
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeDeny {
		t.Fatal("expected deny for revoked key")
	}

	// Restore the key; a cached denial would keep rejecting it.
	if err := store.UpdateKeyStatus(ctx, generated.KeyID, apikey.StatusRevoked, apikey.StatusActive); err != nil {
		t.Fatalf("UpdateKeyStatus restore: %v", err)
	}
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeAllow {
		t.Fatal("denial was cached")
	}
}

func TestAuthorizeThrottlesPerKey(t *testing.T) {
	svc, authorizer, _ := newTestAuthorizer(t, apikey.WithRateLimit(1, 1))
	ctx := context.Background()

	generated, err := svc.Generate(ctx, "app-1", "org-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := svc.Generate(ctx, "app-1", "org-1", access.EnvStaging)
	if err != nil {
		t.Fatalf("Generate other: %v", err)
	}

	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeAllow {
		t.Fatalf("first call: %s", outcome)
	}
	decision, outcome := authorizer.Authorize(ctx, generated.Key)
	if outcome != apikey.OutcomeThrottled {
		t.Fatalf("second call: got %s, want throttled", outcome)
	}
	if decision.IsAuthorized {
		t.Fatal("throttled decision must deny")
	}

	// The limiter is per key id; another key is unaffected.
	if _, outcome := authorizer.Authorize(ctx, other.Key); outcome != apikey.OutcomeAllow {
		t.Fatalf("other key: %s", outcome)
	}
}

func TestDecisionCacheTTL(t *testing.T) {
	svc, authorizer, store := newTestAuthorizer(t,
		apikey.WithDecisionCache(8, 50*time.Millisecond))
	ctx := context.Background()

	generated, err := svc.Generate(ctx, "app-1", "org-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, outcome := authorizer.Authorize(ctx, generated.Key); outcome != apikey.OutcomeAllow {
		t.Fatal("expected allow")
	}
	if err := store.UpdateKeyStatus(ctx, generated.KeyID, apikey.StatusActive, apikey.StatusRevoked); err != nil {
		t.Fatalf("UpdateKeyStatus: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, outcome := authorizer.Authorize(ctx, generated.Key)
		if outcome == apikey.OutcomeDeny {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cached decision never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthorizeWellFormedUnknownToken(t *testing.T) {
	_, authorizer, _ := newTestAuthorizer(t)

	token := "orb_dev_" + strings.Repeat("q", 32)
	decision, outcome := authorizer.Authorize(context.Background(), token)
	if outcome != apikey.OutcomeDeny || decision.IsAuthorized {
		t.Fatalf("unknown token: outcome=%s decision=%+v", outcome, decision)
	}
}
