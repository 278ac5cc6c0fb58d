package identity

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/everyauth/everyauth-go/broker"
	"github.com/everyauth/everyauth-go/internal/errs"
	"github.com/everyauth/everyauth-go/tags"
)

// InstallIDByTags finds the install bound to (serviceID, userID, tenantID),
// if any. The tenant defaults to the user id, mirroring how installs are
// tagged at session start. Used before creating a session so re-authorization
// reuses the existing install instead of duplicating it.
func (r *Resolver) InstallIDByTags(ctx context.Context, serviceID, userID, tenantID string) (string, error) {
	if tenantID == "" {
		tenantID = userID
	}
	ts := tags.Set{
		tags.ServiceKey: tags.String(serviceID),
		tags.UserKey:    tags.String(userID),
		tags.TenantKey:  tags.String(tenantID),
	}

	page, err := r.broker.SearchInstalls(ctx, ts, broker.SearchOptions{})
	if err != nil {
		return "", err
	}

	log.Debug().Str("serviceId", serviceID).Str("userId", userID).Str("tenantId", tenantID).Int("matches", len(page.Items)).Msg("install search")

	switch len(page.Items) {
	case 0:
		return "", nil
	case 1:
		return page.Items[0].ID, nil
	default:
		return "", errors.Wrapf(errs.ErrAmbiguousInstall,
			"[Resolver.InstallIDByTags] user %q tenant %q matches %d installs for %s; use GetIdentities to list the matching identities and remove the redundant one with DeleteIdentity",
			userID, tenantID, len(page.Items), serviceID)
	}
}

// installIDBySession locates the install created by a given session via the
// session correlation tag. Used by the delete cascade.
func (r *Resolver) installIDBySession(ctx context.Context, sessionID string) (string, error) {
	ts := tags.Set{
		tags.ServiceKey: tags.Any,
		tags.SessionKey: tags.String(sessionID),
	}

	page, err := r.broker.SearchInstalls(ctx, ts, broker.SearchOptions{})
	if err != nil {
		return "", err
	}

	if len(page.Items) > 1 {
		return "", errors.Wrapf(errs.ErrAmbiguousInstall,
			"[Resolver.installIDBySession] session %s maps to %d installs; contact support", sessionID, len(page.Items))
	}
	if len(page.Items) == 0 {
		return "", nil
	}
	return page.Items[0].ID, nil
}
