package apikey

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"orbaccess.dev/internal/obs"
)

// Outcome distinguishes authorizer results beyond the wire decision:
// throttled requests carry a deny-shaped body but a different status.
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeDeny      Outcome = "deny"
	OutcomeThrottled Outcome = "throttled"

	// DecisionTTLSeconds is the TTL stamped on positive decisions for
	// downstream caches.
	DecisionTTLSeconds = 300

	defaultDecisionCacheSize = 8192
	defaultRateBurst         = 50
	defaultRatePerSecond     = 25
)

// Decision is the wire-level authorizer response. Field names and
// shapes are a stable contract with the API gateway: a denial always
// carries an empty resolverContext, deniedFields ["*"] and ttlOverride
// 0 so a cached failure can never outlive a freshly issued key.
type Decision struct {
	IsAuthorized    bool              `json:"isAuthorized"`
	ResolverContext map[string]string `json:"resolverContext"`
	DeniedFields    []string          `json:"deniedFields"`
	TTLOverride     int               `json:"ttlOverride"`
}

func allowDecision(kc Context) Decision {
	return Decision{
		IsAuthorized: true,
		ResolverContext: map[string]string{
			"organizationId": kc.OrganizationID,
			"applicationId":  kc.ApplicationID,
			"environment":    string(kc.Environment),
			"keyId":          kc.KeyID,
		},
		DeniedFields: []string{},
		TTLOverride:  DecisionTTLSeconds,
	}
}

func denyDecision() Decision {
	return Decision{
		IsAuthorized:    false,
		ResolverContext: map[string]string{},
		DeniedFields:    []string{"*"},
		TTLOverride:     0,
	}
}

// Authorizer converts bearer tokens into allow/deny decisions. Positive
// decisions are cached by key hash with a bounded TTL; the cache is
// dropped synchronously when the key service reports a revocation or
// expiry, so an in-process revoke takes effect on the very next call.
// Denials are never cached.
type Authorizer struct {
	keys *Service

	decisions *lru.LRU[string, Decision]

	limiterMu  sync.Mutex
	limiters   map[string]*rate.Limiter
	rateBurst  int
	ratePerSec rate.Limit
}

// AuthorizerOption configures the Authorizer.
type AuthorizerOption func(*authorizerConfig)

type authorizerConfig struct {
	cacheSize  int
	cacheTTL   time.Duration
	rateBurst  int
	ratePerSec rate.Limit
}

// WithDecisionCache sizes the positive-decision cache.
func WithDecisionCache(size int, ttl time.Duration) AuthorizerOption {
	return func(c *authorizerConfig) {
		if size > 0 {
			c.cacheSize = size
		}
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithRateLimit bounds validated traffic per key id.
func WithRateLimit(perSecond, burst int) AuthorizerOption {
	return func(c *authorizerConfig) {
		if perSecond > 0 {
			c.ratePerSec = rate.Limit(perSecond)
		}
		if burst > 0 {
			c.rateBurst = burst
		}
	}
}

// NewAuthorizer wires the authorizer to the key service and registers
// for invalidation callbacks.
func NewAuthorizer(keys *Service, opts ...AuthorizerOption) (*Authorizer, error) {
	if keys == nil {
		return nil, errors.New("apikey: key service is required")
	}
	cfg := authorizerConfig{
		cacheSize:  defaultDecisionCacheSize,
		cacheTTL:   DecisionTTLSeconds * time.Second,
		rateBurst:  defaultRateBurst,
		ratePerSec: rate.Limit(defaultRatePerSecond),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	a := &Authorizer{
		keys:       keys,
		decisions:  lru.NewLRU[string, Decision](cfg.cacheSize, nil, cfg.cacheTTL),
		limiters:   make(map[string]*rate.Limiter),
		rateBurst:  cfg.rateBurst,
		ratePerSec: cfg.ratePerSec,
	}
	keys.OnKeyInvalidated(a.invalidateHash)
	return a, nil
}

// Authorize runs the per-request state machine: parse the token format,
// validate through the key service, then rate-limit by key id. The
// Decision is always safe to serialize as-is.
func (a *Authorizer) Authorize(ctx context.Context, token string) (Decision, Outcome) {
	if _, err := ParseKey(token); err != nil {
		obs.RecordAuthorizerDecision(string(OutcomeDeny))
		return denyDecision(), OutcomeDeny
	}

	hash := HashKey(token)
	if cached, ok := a.decisions.Get(hash); ok {
		return a.finishAllowed(cached)
	}

	kc, err := a.keys.Validate(ctx, token)
	if err != nil {
		// Every denial reason (unknown, revoked, expired, store failure)
		// collapses to the same non-cacheable deny on the wire.
		obs.RecordAuthorizerDecision(string(OutcomeDeny))
		return denyDecision(), OutcomeDeny
	}

	decision := allowDecision(kc)
	a.decisions.Add(hash, decision)
	return a.finishAllowed(decision)
}

// InvalidateToken drops any cached decision for the raw token.
func (a *Authorizer) InvalidateToken(token string) {
	a.invalidateHash(HashKey(token))
}

func (a *Authorizer) invalidateHash(keyHash string) {
	a.decisions.Remove(keyHash)
}

func (a *Authorizer) finishAllowed(decision Decision) (Decision, Outcome) {
	keyID := decision.ResolverContext["keyId"]
	if !a.allow(keyID) {
		obs.RecordAuthorizerDecision(string(OutcomeThrottled))
		return denyDecision(), OutcomeThrottled
	}
	obs.RecordAuthorizerDecision(string(OutcomeAllow))
	return decision, OutcomeAllow
}

func (a *Authorizer) allow(keyID string) bool {
	a.limiterMu.Lock()
	lim, ok := a.limiters[keyID]
	if !ok {
		lim = rate.NewLimiter(a.ratePerSec, a.rateBurst)
		a.limiters[keyID] = lim
	}
	a.limiterMu.Unlock()
	return lim.Allow()
}
