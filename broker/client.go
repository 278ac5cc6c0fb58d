// Package broker is the low-level HTTP client for the hosted everyauth
// broker. It covers the session, install, and identity surfaces under
// {baseUrl}/v2/account/{account}/subscription/{subscription}, authenticating
// every request with a bearer token from an injected credential provider.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/everyauth/everyauth-go/internal/errs"
	"github.com/everyauth/everyauth-go/tags"
)

// Version identifies this client on the wire; it is sent as the User-Agent
// header and stamped into session tags.
const Version = "everyauth-go/1.0.0"

// integrationID is the well-known integration the broker hosts for everyauth
// sessions and installs.
const integrationID = "everyauth"

// AuthedProfile is the per-request view of the credential provider: where the
// broker lives, which account/subscription to address, and a bearer token
// that is valid right now.
type AuthedProfile struct {
	BaseURL      string
	Account      string
	Subscription string
	AccessToken  string
}

// CredentialProvider supplies an authed profile for each outbound request.
// Implementations own their caching and expiry; the client never holds on to
// a token across calls.
type CredentialProvider interface {
	AuthedProfile(ctx context.Context) (AuthedProfile, error)
}

// StaticCredentials is a CredentialProvider backed by a fixed token. Useful
// for tests and for deployments that manage the broker token externally.
type StaticCredentials struct {
	BaseURL      string
	Account      string
	Subscription string
	AccessToken  string
}

// AuthedProfile implements CredentialProvider.
func (s StaticCredentials) AuthedProfile(_ context.Context) (AuthedProfile, error) {
	return AuthedProfile(s), nil
}

// Client issues authenticated REST calls against the broker.
type Client struct {
	creds      CredentialProvider
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (primarily for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a broker client that authenticates via creds.
func New(creds CredentialProvider, options ...Option) *Client {
	c := &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Profile exposes the current authed profile, used by callers that stamp
// account/subscription ids into credentials.
func (c *Client) Profile(ctx context.Context) (AuthedProfile, error) {
	return c.creds.AuthedProfile(ctx)
}

// StatusError reports a non-2xx broker response. It unwraps to ErrNotFound
// for 404s and ErrBrokerRequest otherwise, so callers can use errors.Is.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return errs.ErrNotFound
	}
	return errs.ErrBrokerRequest
}

func (c *Client) integrationURL(p AuthedProfile) string {
	return fmt.Sprintf("%s/v2/account/%s/subscription/%s/integration/%s", p.BaseURL, p.Account, p.Subscription, integrationID)
}

func (c *Client) connectorURL(p AuthedProfile, serviceID string) string {
	return fmt.Sprintf("%s/v2/account/%s/subscription/%s/connector/%s", p.BaseURL, p.Account, p.Subscription, url.PathEscape(serviceID))
}

// do performs one authenticated request. A nil out skips response decoding.
// tolerateStatus disables the non-2xx check for best-effort deletes; network
// failures still surface as errors.
func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}, out interface{}, tolerateStatus bool) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "[broker.do] encoding %s %s body", method, rawURL)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return errors.Wrapf(err, "[broker.do] building %s %s", method, rawURL)
	}

	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "[broker.do] resolving authed profile")
	}
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	req.Header.Set("User-Agent", Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "[broker.do] %s %s", method, rawURL)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrapf(err, "[broker.do] reading %s %s response", method, rawURL)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		if tolerateStatus {
			log.Debug().Str("method", method).Str("url", rawURL).Int("status", res.StatusCode).Msg("ignoring broker status on best-effort call")
			return nil
		}
		return &StatusError{StatusCode: res.StatusCode, Method: method, URL: rawURL, Body: truncate(payload)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrapf(err, "[broker.do] decoding %s %s response", method, rawURL)
	}
	return nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// CreateSession creates a new authorization Session on the broker.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.CreateSession] resolving authed profile")
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, c.integrationURL(p)+"/session", req, &session, false); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession fetches the current state of a Session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.GetSession] resolving authed profile")
	}

	var session Session
	if err := c.do(ctx, http.MethodGet, c.integrationURL(p)+"/session/"+url.PathEscape(sessionID), nil, &session, false); err != nil {
		return nil, err
	}
	return &session, nil
}

// CommitSession asks the broker to exchange the provider grant held by the
// session for a durable install. Completion is observed by polling GetSession
// until Output is populated.
func (c *Client) CommitSession(ctx context.Context, sessionID string) error {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "[broker.CommitSession] resolving authed profile")
	}
	return c.do(ctx, http.MethodPost, c.integrationURL(p)+"/session/"+url.PathEscape(sessionID)+"/commit", nil, nil, false)
}

// SessionStartURL returns the hosted URL the end user's browser must visit to
// begin the OAuth consent flow for a session.
func (c *Client) SessionStartURL(ctx context.Context, sessionID string) (string, error) {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return "", errors.Wrap(err, "[broker.SessionStartURL] resolving authed profile")
	}
	return c.integrationURL(p) + "/session/" + url.PathEscape(sessionID) + "/start", nil
}

// GetInstall fetches an Install by id.
func (c *Client) GetInstall(ctx context.Context, installID string) (*Install, error) {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.GetInstall] resolving authed profile")
	}

	var install Install
	if err := c.do(ctx, http.MethodGet, c.integrationURL(p)+"/install/"+url.PathEscape(installID), nil, &install, false); err != nil {
		return nil, err
	}
	return &install, nil
}

// DeleteInstall removes an Install. Best effort: non-2xx responses are
// tolerated so cascading cleanup never blocks identity deletion.
func (c *Client) DeleteInstall(ctx context.Context, installID string) error {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "[broker.DeleteInstall] resolving authed profile")
	}
	return c.do(ctx, http.MethodDelete, c.integrationURL(p)+"/install/"+url.PathEscape(installID), nil, nil, true)
}

// SearchInstalls lists Installs matching a tag set. The service tag is
// required so a search can never span services by accident.
func (c *Client) SearchInstalls(ctx context.Context, ts tags.Set, options SearchOptions) (*InstallPage, error) {
	if _, ok := ts[tags.ServiceKey]; !ok {
		return nil, errors.Errorf("[broker.SearchInstalls] missing tag %s", tags.ServiceKey)
	}

	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.SearchInstalls] resolving authed profile")
	}

	q := url.Values{}
	ts.Encode(q)
	if options.Next != "" {
		q.Set("next", options.Next)
	}
	if options.PageSize > 0 {
		q.Set("count", strconv.Itoa(options.PageSize))
	}

	var page InstallPage
	if err := c.do(ctx, http.MethodGet, c.integrationURL(p)+"/install/?"+q.Encode(), nil, &page, false); err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchIdentities lists Identities for one service matching a tag set.
func (c *Client) SearchIdentities(ctx context.Context, serviceID string, ts tags.Set, options SearchOptions) (*IdentityPage, error) {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.SearchIdentities] resolving authed profile")
	}

	q := url.Values{}
	ts.Encode(q)
	if options.Next != "" {
		q.Set("next", options.Next)
	}
	if options.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(options.PageSize))
	}

	var page IdentityPage
	if err := c.do(ctx, http.MethodGet, c.connectorURL(p, serviceID)+"/identity/?"+q.Encode(), nil, &page, false); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetIdentity fetches an Identity's metadata (id, tags, dateModified).
func (c *Client) GetIdentity(ctx context.Context, serviceID, identityID string) (*Identity, error) {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.GetIdentity] resolving authed profile")
	}

	var identity Identity
	if err := c.do(ctx, http.MethodGet, c.connectorURL(p, serviceID)+"/identity/"+url.PathEscape(identityID), nil, &identity, false); err != nil {
		return nil, err
	}
	return &identity, nil
}

// GetIdentityToken fetches the live token payload for an Identity. The broker
// refreshes the underlying OAuth token as needed, so the payload is always
// current; it is never cached client-side.
func (c *Client) GetIdentityToken(ctx context.Context, serviceID, identityID string) (map[string]interface{}, error) {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.GetIdentityToken] resolving authed profile")
	}

	var payload map[string]interface{}
	if err := c.do(ctx, http.MethodGet, c.connectorURL(p, serviceID)+"/api/"+url.PathEscape(identityID)+"/token", nil, &payload, false); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.Wrapf(errs.ErrNotFound, "[broker.GetIdentityToken] identity %s has no token for %s", identityID, serviceID)
	}

	log.Debug().Str("identityId", identityID).Str("serviceId", serviceID).Msg("loaded token")
	return payload, nil
}

// DeleteIdentity removes an Identity. Best effort, like DeleteInstall.
func (c *Client) DeleteIdentity(ctx context.Context, serviceID, identityID string) error {
	p, err := c.creds.AuthedProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "[broker.DeleteIdentity] resolving authed profile")
	}
	return c.do(ctx, http.MethodDelete, c.connectorURL(p, serviceID)+"/identity/"+url.PathEscape(identityID), nil, nil, true)
}
