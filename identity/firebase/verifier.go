// Package firebase adapts Firebase Authentication: ID token verification
// against Google's rotating signing certificates, and the Identity Toolkit
// admin REST API as an identity.Directory.
package firebase

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jmcleod/shelfguard/identity"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCertsURL serves the x509 certificates that sign ID tokens.
	DefaultCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

	issuerPrefix      = "https://securetoken.google.com/"
	defaultCacheTTL   = time.Hour
	defaultClockSkew  = 60 * time.Second
	defaultMinRefresh = time.Minute
)

// Verifier validates Firebase ID tokens.
type Verifier struct {
	projectID  string
	certsURL   string
	httpClient *http.Client
	skew       time.Duration
	minRefresh time.Duration
	now        func() time.Time

	fetches   singleflight.Group
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

func WithCertsURL(u string) VerifierOption {
	return func(v *Verifier) { v.certsURL = u }
}

func WithHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) {
		if c != nil {
			v.httpClient = c
		}
	}
}

func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithMinRefreshInterval bounds how often an unknown kid may trigger an
// early certificate fetch.
func WithMinRefreshInterval(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.minRefresh = d }
}

func NewVerifier(projectID string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		projectID:  projectID,
		certsURL:   DefaultCertsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		skew:       defaultClockSkew,
		minRefresh: defaultMinRefresh,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify implements identity.Verifier.
func (v *Verifier) Verify(ctx context.Context, credential string) (identity.Claims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return identity.Claims{}, fmt.Errorf("%w: empty credential", identity.ErrInvalidCredential)
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(credential, claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.publicKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(issuerPrefix+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithLeeway(v.skew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, identity.ErrUnavailable) {
			return identity.Claims{}, err
		}
		return identity.Claims{}, fmt.Errorf("%w: %v", identity.ErrInvalidCredential, err)
	}
	if !tok.Valid {
		return identity.Claims{}, identity.ErrInvalidCredential
	}

	sub, _ := claims.GetSubject()
	if sub == "" || len(sub) > 128 {
		return identity.Claims{}, fmt.Errorf("%w: bad subject", identity.ErrInvalidCredential)
	}

	out := identity.Claims{
		UID:          sub,
		CustomClaims: identity.ParseCustomClaims(claims),
	}
	out.Email, _ = claims["email"].(string)
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if at, ok := claims["auth_time"].(float64); ok {
		out.AuthTime = time.Unix(int64(at), 0)
	}
	return out, nil
}

func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, errors.New("missing kid")
	}

	v.mu.Lock()
	fresh := v.keys != nil && v.now().Before(v.expiresAt)
	pk := v.keys[kid]
	v.mu.Unlock()

	if fresh && pk != nil {
		return pk, nil
	}
	// Concurrent misses share one fetch.
	_, err, _ := v.fetches.Do("certs", func() (any, error) {
		return nil, v.refreshIfDue(ctx)
	})
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if pk := v.keys[kid]; pk != nil {
		return pk, nil
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// refreshIfDue fetches when the cache is stale, or when it is fresh but was
// last fetched more than minRefresh ago.
func (v *Verifier) refreshIfDue(ctx context.Context) error {
	v.mu.Lock()
	now := v.now()
	fresh := v.keys != nil && now.Before(v.expiresAt)
	recent := now.Sub(v.fetchedAt) < v.minRefresh
	v.mu.Unlock()
	if fresh && recent {
		return nil
	}
	return v.refresh(ctx)
}

func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: building certs request: %v", identity.ErrUnavailable, err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching certs: %v", identity.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: certs http %d", identity.ErrUnavailable, resp.StatusCode)
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return fmt.Errorf("%w: decoding certs: %v", identity.ErrUnavailable, err)
	}
	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, certPEM := range certs {
		pk, err := parseCertificateKey(certPEM)
		if err != nil {
			return fmt.Errorf("%w: cert %s: %v", identity.ErrUnavailable, kid, err)
		}
		keys[kid] = pk
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	v.mu.Lock()
	now := v.now()
	v.keys = keys
	v.expiresAt = now.Add(ttl)
	v.fetchedAt = now
	v.mu.Unlock()
	return nil
}

func parseCertificateKey(certPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, errors.New("invalid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not RSA")
	}
	return pk, nil
}

func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(value)
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
