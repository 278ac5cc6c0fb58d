// Package everyauth lets a web application delegate OAuth2 authorization to
// a hosted broker and later resolve a (service, user, tenant) triple to a
// fresh access token, without ever handling redirect flows, token storage, or
// refresh logic itself.
package everyauth

import (
	"context"
	"net/http"
	"time"

	"github.com/everyauth/everyauth-go/broker"
	"github.com/everyauth/everyauth-go/identity"
	"github.com/everyauth/everyauth-go/profile"
	"github.com/everyauth/everyauth-go/provider"
	"github.com/everyauth/everyauth-go/session"
)

// Credential is a normalized, never-stored view of a live identity token.
type Credential = provider.Credential

// Selector names which identity to resolve; see ByID, ByUser, ByUserTenant,
// and ByTags.
type Selector = identity.Selector

// IdentityPage is one page of identity search results.
type IdentityPage = broker.IdentityPage

// SearchOptions controls pagination of GetIdentities.
type SearchOptions = broker.SearchOptions

// Selector constructors, re-exported from the identity package.
var (
	ByID          = identity.ByID
	ByUser        = identity.ByUser
	ByUserTenant  = identity.ByUserTenant
	ByTags        = identity.ByTags
	ParseSelector = identity.ParseSelector
)

// Client is the entry point of the library. A zero-configured client loads
// its broker profile from the environment or the nearest .fusebit directory;
// see the profile package for the discovery order.
type Client struct {
	broker     *broker.Client
	sessions   *session.Service
	identities *identity.Resolver
	providers  *provider.Registry
}

type clientConfig struct {
	creds       broker.CredentialProvider
	profileName string
	httpClient  *http.Client
	pollTimeout time.Duration
	normalizers map[string]provider.NormalizeFunc
}

// ClientOption configures New.
type ClientOption func(*clientConfig)

// WithCredentialProvider replaces profile discovery with an explicit
// credential provider.
func WithCredentialProvider(creds broker.CredentialProvider) ClientOption {
	return func(c *clientConfig) {
		c.creds = creds
	}
}

// WithProfileName selects a named profile from the settings file instead of
// the default one.
func WithProfileName(name string) ClientOption {
	return func(c *clientConfig) {
		c.profileName = name
	}
}

// WithHTTPClient overrides the HTTP client used for broker calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// WithCommitTimeout bounds how long a commit waits for the broker before
// failing with ErrBrokerTimeout.
func WithCommitTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.pollTimeout = d
	}
}

// WithNormalizer installs or replaces the credential normalizer for a
// service.
func WithNormalizer(serviceID string, fn provider.NormalizeFunc) ClientOption {
	return func(c *clientConfig) {
		c.normalizers[serviceID] = fn
	}
}

// New wires up a client.
func New(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{normalizers: make(map[string]provider.NormalizeFunc)}
	for _, option := range options {
		option(cfg)
	}

	creds := cfg.creds
	if creds == nil {
		var profileOptions []profile.Option
		if cfg.profileName != "" {
			profileOptions = append(profileOptions, profile.WithProfileName(cfg.profileName))
		}
		creds = profile.NewProvider(profileOptions...)
	}

	var brokerOptions []broker.Option
	if cfg.httpClient != nil {
		brokerOptions = append(brokerOptions, broker.WithHTTPClient(cfg.httpClient))
	}
	b := broker.New(creds, brokerOptions...)

	providers := provider.NewRegistry()
	for serviceID, fn := range cfg.normalizers {
		providers.Register(serviceID, fn)
	}

	identities := identity.NewResolver(b, providers)

	var sessionOptions []session.Option
	if cfg.pollTimeout > 0 {
		sessionOptions = append(sessionOptions, session.WithPollTimeout(cfg.pollTimeout))
	}
	sessions := session.New(b, identities, sessionOptions...)

	return &Client{
		broker:     b,
		sessions:   sessions,
		identities: identities,
		providers:  providers,
	}, nil
}

// GetIdentity resolves a selector to exactly one identity for a service and
// returns a credential with a live token. A nil credential with a nil error
// means no matching identity exists yet; an ambiguous selector returns
// ErrAmbiguousIdentity.
func (c *Client) GetIdentity(ctx context.Context, serviceID string, selector Selector) (*Credential, error) {
	return c.identities.GetIdentity(ctx, serviceID, selector)
}

// GetIdentities lists every identity matching a selector, paginated. Unlike
// GetIdentity it never fails on multiple matches, which makes it the tool for
// resolving ambiguity. Results carry metadata only, no tokens.
func (c *Client) GetIdentities(ctx context.Context, serviceID string, selector Selector, options SearchOptions) (*IdentityPage, error) {
	return c.identities.GetIdentities(ctx, serviceID, selector, options)
}

// DeleteIdentity removes an identity and its owning install. Deleting an
// identity that is already gone is not an error.
func (c *Client) DeleteIdentity(ctx context.Context, serviceID, identityID string) error {
	return c.identities.DeleteIdentity(ctx, serviceID, identityID)
}

// DeleteIdentities removes every identity matching the selector, which must
// carry at least one criterion.
func (c *Client) DeleteIdentities(ctx context.Context, serviceID string, selector Selector) error {
	return c.identities.DeleteIdentities(ctx, serviceID, selector)
}
