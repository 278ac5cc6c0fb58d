package profile

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/everyauth/everyauth-go/broker"
)

const (
	// tokenLifetime is how long a minted bearer token is valid.
	tokenLifetime = 24 * time.Hour
	// refreshMargin forces a re-sign this long before expiry, so no request
	// goes out with a token about to lapse mid-flight.
	refreshMargin = 5 * time.Minute
)

// Provider turns a discovered Profile into per-request authed profiles,
// minting and caching an RS256 bearer token. It implements
// broker.CredentialProvider.
type Provider struct {
	name string
	now  func() time.Time

	mu        sync.Mutex
	profile   *Profile
	token     string
	expiresAt time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithProfileName selects a named profile from the settings file.
func WithProfileName(name string) Option {
	return func(p *Provider) {
		p.name = name
	}
}

// WithProfile injects an already-loaded profile, skipping discovery.
func WithProfile(profile *Profile) Option {
	return func(p *Provider) {
		p.profile = profile
	}
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// NewProvider creates a credential provider. Discovery is lazy: the profile
// is loaded on the first AuthedProfile call.
func NewProvider(options ...Option) *Provider {
	p := &Provider{now: time.Now}
	for _, option := range options {
		option(p)
	}
	return p
}

var _ broker.CredentialProvider = (*Provider)(nil)

// AuthedProfile returns the profile with a bearer token that is fresh for at
// least refreshMargin. Tokens are cached until the margin is reached, so a
// busy application re-signs rarely but never sees a stale token.
func (p *Provider) AuthedProfile(ctx context.Context) (broker.AuthedProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.profile == nil {
		profile, err := Load(p.name)
		if err != nil {
			return broker.AuthedProfile{}, err
		}
		p.profile = profile
	}

	if p.token == "" || p.now().Add(refreshMargin).After(p.expiresAt) {
		if err := p.refreshLocked(); err != nil {
			return broker.AuthedProfile{}, err
		}
	}

	return broker.AuthedProfile{
		BaseURL:      p.profile.BaseURL,
		Account:      p.profile.Account,
		Subscription: p.profile.Subscription,
		AccessToken:  p.token,
	}, nil
}

func (p *Provider) refreshLocked() error {
	if p.profile.AccessToken != "" {
		// Pre-issued token profiles delegate expiry to whoever issued the
		// token.
		p.token = p.profile.AccessToken
		p.expiresAt = p.now().Add(tokenLifetime)
		return nil
	}

	if p.profile.PKI == nil || p.profile.PKI.PrivateKey == "" {
		return errors.New("[Provider.refreshLocked] profile has neither an access token nor PKI signing material")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(p.profile.PKI.PrivateKey))
	if err != nil {
		return errors.Wrap(err, "[Provider.refreshLocked] parsing profile private key")
	}

	now := p.now()
	expiresAt := now.Add(tokenLifetime)

	claims := jwt.MapClaims{
		"aud": p.profile.PKI.Audience,
		"iss": p.profile.PKI.Issuer,
		"sub": p.profile.PKI.Subject,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.profile.PKI.Kid

	signed, err := token.SignedString(key)
	if err != nil {
		return errors.Wrap(err, "[Provider.refreshLocked] signing bearer token")
	}

	p.token = signed
	p.expiresAt = expiresAt
	return nil
}
