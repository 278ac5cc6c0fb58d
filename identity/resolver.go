// Package identity resolves logical (service, user, tenant) selectors to
// broker identity records and their live credentials, enforcing the
// at-most-one-match policy that makes resolution deterministic.
package identity

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/everyauth/everyauth-go/broker"
	"github.com/everyauth/everyauth-go/internal/errs"
	"github.com/everyauth/everyauth-go/provider"
	"github.com/everyauth/everyauth-go/tags"
)

// Resolver finds, fetches, and deletes identities and their owning installs.
type Resolver struct {
	broker    *broker.Client
	providers *provider.Registry
}

// NewResolver creates a resolver over a broker client and a normalizer
// registry.
func NewResolver(b *broker.Client, providers *provider.Registry) *Resolver {
	return &Resolver{broker: b, providers: providers}
}

// GetIdentity resolves a selector to exactly one identity and fetches a fresh
// credential for it. Zero matches returns (nil, nil): "not yet authorized" is
// an expected steady state, not an error. More than one match returns
// ErrAmbiguousIdentity; the caller must disambiguate via GetIdentities or
// delete the redundant record.
func (r *Resolver) GetIdentity(ctx context.Context, serviceID string, selector Selector) (*provider.Credential, error) {
	if selector.IsZero() {
		return nil, errors.Wrap(errs.ErrInvalidSelector, "[Resolver.GetIdentity] empty selector")
	}

	identityID := selector.ID()
	if identityID == "" {
		page, err := r.broker.SearchIdentities(ctx, serviceID, selector.Tags(), broker.SearchOptions{})
		if err != nil {
			return nil, err
		}

		log.Debug().Str("serviceId", serviceID).Stringer("selector", selector).Int("matches", len(page.Items)).Msg("identity search")

		switch len(page.Items) {
		case 0:
			return nil, nil
		case 1:
			identityID = page.Items[0].ID
		default:
			return nil, errors.Wrapf(errs.ErrAmbiguousIdentity,
				"[Resolver.GetIdentity] selector %s matches %d identities for %s; use GetIdentities to list them, or remove the redundant identity with DeleteIdentity",
				selector, len(page.Items), serviceID)
		}
	}

	payload, err := r.broker.GetIdentityToken(ctx, serviceID, identityID)
	if err != nil {
		return nil, err
	}

	p, err := r.broker.Profile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Resolver.GetIdentity] resolving authed profile")
	}

	binding := provider.Binding{
		AccountID:      p.Account,
		SubscriptionID: p.Subscription,
		ServiceID:      serviceID,
		IdentityID:     identityID,
	}
	return r.providers.Normalize(serviceID, payload, binding)
}

// GetIdentities returns the full match set for a selector, paginated, without
// any multiplicity policy. This is the disambiguation tool for callers that
// hit ErrAmbiguousIdentity. Items carry metadata only, never token material.
func (r *Resolver) GetIdentities(ctx context.Context, serviceID string, selector Selector, options broker.SearchOptions) (*broker.IdentityPage, error) {
	if selector.ID() != "" {
		return nil, errors.Wrap(errs.ErrInvalidSelector, "[Resolver.GetIdentities] listing requires a user or tag selector, not an identity id")
	}

	page, err := r.broker.SearchIdentities(ctx, serviceID, selector.Tags(), options)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("serviceId", serviceID).Stringer("selector", selector).Int("matches", len(page.Items)).Msg("identity listing")
	return page, nil
}

// DeleteIdentity removes an identity and its owning install. Idempotent: an
// identity that no longer exists is treated as already deleted. The install
// is located via the identity's session correlation tag and removed first so
// no install is left pointing at a deleted identity; both removals are best
// effort.
func (r *Resolver) DeleteIdentity(ctx context.Context, serviceID, identityID string) error {
	ident, err := r.broker.GetIdentity(ctx, serviceID, identityID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}

	if sessionID := ident.Tags.Get(tags.SessionKey); sessionID != "" {
		installID, err := r.installIDBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		if installID != "" {
			if err := r.broker.DeleteInstall(ctx, installID); err != nil {
				return err
			}
		}
	}

	log.Debug().Str("serviceId", serviceID).Str("identityId", identityID).Msg("deleting identity")
	return r.broker.DeleteIdentity(ctx, serviceID, identityID)
}

// DeleteIdentities removes every identity matching the selector. The selector
// must carry at least one criterion; an empty selector is rejected before any
// network call so a destructive wildcard delete can never happen by accident.
func (r *Resolver) DeleteIdentities(ctx context.Context, serviceID string, selector Selector) error {
	if selector.IsZero() {
		return errors.Wrapf(errs.ErrInvalidSelector,
			"[Resolver.DeleteIdentities] refusing to delete every identity for %s", serviceID)
	}

	if selector.ID() != "" {
		return r.DeleteIdentity(ctx, serviceID, selector.ID())
	}

	var ids []string
	options := broker.SearchOptions{}
	for {
		page, err := r.broker.SearchIdentities(ctx, serviceID, selector.Tags(), options)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			ids = append(ids, item.ID)
		}
		if page.Next == "" {
			break
		}
		options.Next = page.Next
	}

	for _, id := range ids {
		if err := r.DeleteIdentity(ctx, serviceID, id); err != nil {
			return err
		}
	}
	return nil
}
