// Package authgate enforces bearer authentication for protected routes. It
// verifies tokens against the identity service and caches verdicts in a
// bounded LRU so repeated use of the same token does not hammer identity.
// If the identity service is unreachable the gate fails closed.
package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/microshop/gateway/internal/gwerrors"
	"github.com/microshop/gateway/internal/httputil"
	"github.com/microshop/gateway/internal/logging"
	"github.com/microshop/gateway/internal/metrics"
)

// Identity is the verified claim set the identity service returns.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Config tunes the gate.
type Config struct {
	// VerifyURL is the identity service's token verification endpoint.
	VerifyURL string
	// Timeout bounds each verification call. Defaults to 5s.
	Timeout time.Duration
	// CacheTTL bounds how long a verdict may be reused. Defaults to 5m.
	// Entries are clamped to the token's own expiry when that is sooner.
	CacheTTL time.Duration
	// CacheSize bounds the verdict cache. Defaults to 1024 entries.
	CacheSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	return c
}

type verdict struct {
	identity  Identity
	expiresAt time.Time
}

// Gate validates bearer credentials.
type Gate struct {
	cfg    Config
	client *http.Client
	cache  *lru.LRU[string, verdict]
	log    *logging.Logger

	now func() time.Time // test hook
}

// New creates a gate talking to the identity service at cfg.VerifyURL.
func New(cfg Config, log *logging.Logger) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  lru.NewLRU[string, verdict](cfg.CacheSize, nil, cfg.CacheTTL),
		log:    log,
		now:    time.Now,
	}
}

// Authenticate extracts and verifies the request's bearer token. On success it
// returns the verified identity; on any failure it returns a gateway error the
// caller must surface without invoking later pipeline stages.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (Identity, *gwerrors.GatewayError) {
	token, gerr := bearerToken(r)
	if gerr != nil {
		return Identity{}, gerr
	}

	key := hashToken(token)
	if v, ok := g.cache.Get(key); ok {
		if g.now().Before(v.expiresAt) {
			metrics.RecordAuthCacheEvent("hit")
			return v.identity, nil
		}
		metrics.RecordAuthCacheEvent("expired")
		g.cache.Remove(key)
	} else {
		metrics.RecordAuthCacheEvent("miss")
	}

	ident, gerr := g.verify(ctx, token)
	if gerr != nil {
		return Identity{}, gerr
	}

	g.cache.Add(key, verdict{identity: ident, expiresAt: g.verdictExpiry(token)})
	return ident, nil
}

// verify calls the identity service. A definitive rejection maps to
// Unauthorized; transport failures and unexpected statuses map to
// IdentityUnavailable, which still rejects the request.
func (g *Gate) verify(ctx context.Context, token string) (Identity, *gwerrors.GatewayError) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.VerifyURL, nil)
	if err != nil {
		return Identity{}, gwerrors.Internal("building identity request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		g.log.Warn(ctx).Err(err).Msg("identity service unreachable, failing closed")
		return Identity{}, gwerrors.IdentityUnavailable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := httputil.ReadAllStrict(resp.Body, 64<<10)
		if err != nil {
			return Identity{}, gwerrors.IdentityUnavailable(err)
		}
		var ident Identity
		if err := json.Unmarshal(body, &ident); err != nil {
			return Identity{}, gwerrors.IdentityUnavailable(err)
		}
		if ident.UserID == "" {
			return Identity{}, gwerrors.IdentityUnavailable(errors.New("identity response missing user_id"))
		}
		return ident, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, gwerrors.Unauthorized("invalid credentials")
	default:
		g.log.Warn(ctx).Int("status", resp.StatusCode).Msg("unexpected identity service response, failing closed")
		return Identity{}, gwerrors.IdentityUnavailable(nil).WithDetails("status", resp.StatusCode)
	}
}

// verdictExpiry bounds a cached verdict by the configured TTL and, when the
// bearer token is a JWT with a sooner exp claim, by the token's own expiry.
// The parse is unverified: verification authority stays with identity.
func (g *Gate) verdictExpiry(token string) time.Time {
	expiresAt := g.now().Add(g.cfg.CacheTTL)
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return expiresAt
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return expiresAt
	}
	if exp.Time.Before(expiresAt) {
		return exp.Time
	}
	return expiresAt
}

// CacheLen reports the number of cached verdicts.
func (g *Gate) CacheLen() int { return g.cache.Len() }

func bearerToken(r *http.Request) (string, *gwerrors.GatewayError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", gwerrors.Unauthorized("missing bearer token")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", gwerrors.Unauthorized("malformed authorization header")
	}
	return parts[1], nil
}

// hashToken derives the cache key. Raw tokens are never used as map keys and
// never logged.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
