// Package session orchestrates the broker-hosted OAuth handshake: start a
// session, hand the browser to the provider, then commit the completed grant
// into a durable install/identity pair.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/everyauth/everyauth-go/broker"
	"github.com/everyauth/everyauth-go/identity"
	"github.com/everyauth/everyauth-go/internal/errs"
	"github.com/everyauth/everyauth-go/tags"
)

const commitURLSuffix = "/commit"

// Result is what a committed session resolves to.
type Result struct {
	IdentityID string
	UserID     string
	TenantID   string
}

// Service runs authorization sessions against the broker.
type Service struct {
	broker   *broker.Client
	installs *identity.Resolver

	pollInitial time.Duration
	pollMax     time.Duration
	pollTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithPollTimeout bounds how long Commit waits for the broker to surface the
// session output before failing with ErrBrokerTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.pollTimeout = d
	}
}

// WithPollInterval sets the initial and maximum poll intervals for Commit.
func WithPollInterval(initial, max time.Duration) Option {
	return func(s *Service) {
		s.pollInitial = initial
		s.pollMax = max
	}
}

// New creates a session service. The resolver is used at start time to reuse
// an existing install for the same (service, user, tenant).
func New(b *broker.Client, installs *identity.Resolver, options ...Option) *Service {
	s := &Service{
		broker:      b,
		installs:    installs,
		pollInitial: 500 * time.Millisecond,
		pollMax:     5 * time.Second,
		pollTimeout: 60 * time.Second,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Start creates a broker session for authorizing serviceID on behalf of
// userID and returns the URL the user's browser must be redirected to. The
// tenant defaults to the user id so every identity has a tenant scope. When
// an install already exists for the same (service, user, tenant) its id is
// attached to the session so re-authorization updates that install instead of
// creating a duplicate. The reuse lookup is best effort: two concurrent
// starts for the same triple can still race to create two installs.
func (s *Service) Start(ctx context.Context, serviceID, userID, tenantID, hostedBaseURL string) (string, error) {
	if serviceID == "" {
		return "", errors.New("[Service.Start] serviceID is required")
	}
	if userID == "" {
		return "", errors.New("[Service.Start] userID is required")
	}
	if tenantID == "" {
		tenantID = userID
	}

	installID, err := s.installs.InstallIDByTags(ctx, serviceID, userID, tenantID)
	if err != nil {
		return "", err
	}

	req := broker.CreateSessionRequest{
		RedirectURL: strings.TrimSuffix(hostedBaseURL, "/") + commitURLSuffix,
		Tags: map[string]string{
			tags.ServiceKey: serviceID,
			tags.UserKey:    userID,
			tags.TenantKey:  tenantID,
			tags.VersionKey: broker.Version,
		},
		Components: []string{serviceID},
		InstallID:  installID,
	}

	session, err := s.broker.CreateSession(ctx, req)
	if err != nil {
		return "", err
	}

	log.Debug().Str("userId", userID).Str("tenantId", tenantID).Str("sessionId", session.ID).Str("installId", installID).Msg("created session")

	return s.broker.SessionStartURL(ctx, session.ID)
}

// errOutputPending marks a poll round where the session exists but its output
// has not been populated yet.
var errOutputPending = errors.New("session output not ready")

// Commit finalizes a session the provider has redirected back from. It
// triggers the broker-side token exchange, polls the session with exponential
// backoff until its output (the install id) appears, and resolves the install
// to the identity created for serviceID. The poll is bounded: if the output
// never appears within the configured timeout, Commit fails closed with
// ErrBrokerTimeout rather than waiting on the broker indefinitely.
func (s *Service) Commit(ctx context.Context, serviceID, sessionID string) (*Result, error) {
	if err := s.broker.CommitSession(ctx, sessionID); err != nil {
		return nil, err
	}

	poll := func() (*broker.Session, error) {
		session, err := s.broker.GetSession(ctx, sessionID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if session.Output == nil || session.Output.EntityID == "" {
			return nil, errOutputPending
		}
		return session, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.pollInitial
	expo.MaxInterval = s.pollMax

	session, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(s.pollTimeout),
	)
	if err != nil {
		if errors.Is(err, errOutputPending) {
			return nil, errors.Wrapf(errs.ErrBrokerTimeout,
				"[Service.Commit] session %s produced no output within %s", sessionID, s.pollTimeout)
		}
		return nil, err
	}

	installID := session.Output.EntityID
	install, err := s.broker.GetInstall(ctx, installID)
	if err != nil {
		return nil, err
	}

	component, ok := install.Data[serviceID]
	if !ok || component.EntityID == "" {
		return nil, errors.Errorf("[Service.Commit] install %s has no identity for %s", installID, serviceID)
	}

	result := &Result{
		IdentityID: component.EntityID,
		UserID:     session.Tags.Get(tags.UserKey),
		TenantID:   session.Tags.Get(tags.TenantKey),
	}

	log.Debug().Str("userId", result.UserID).Str("tenantId", result.TenantID).Str("identityId", result.IdentityID).Msg("committed session")

	return result, nil
}

// Tags loads a session's tag set. The authorize middleware uses this on the
// provider-error path, where the session is never committed but its tags are
// still needed to correlate the error redirect with the original requester.
func (s *Service) Tags(ctx context.Context, sessionID string) (tags.Set, error) {
	session, err := s.broker.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Tags, nil
}
