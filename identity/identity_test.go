package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/everyauth/everyauth-go/broker"
	"github.com/everyauth/everyauth-go/identity"
	"github.com/everyauth/everyauth-go/internal/brokertest"
	"github.com/everyauth/everyauth-go/internal/errs"
	"github.com/everyauth/everyauth-go/provider"
	"github.com/everyauth/everyauth-go/tags"
)

type fixture struct {
	fake     *brokertest.Server
	resolver *identity.Resolver
}

func setup(t *testing.T) *fixture {
	t.Helper()

	fake := brokertest.New()
	t.Cleanup(fake.Close)

	b := broker.New(fake.Credentials())
	return &fixture{
		fake:     fake,
		resolver: identity.NewResolver(b, provider.NewRegistry()),
	}
}

func userTags(userID, tenantID string) map[string]*string {
	return map[string]*string{
		tags.ServiceKey: brokertest.Str("slack"),
		tags.UserKey:    brokertest.Str(userID),
		tags.TenantKey:  brokertest.Str(tenantID),
	}
}

func TestGetIdentityZeroMatchesReturnsNil(t *testing.T) {
	f := setup(t)

	credential, err := f.resolver.GetIdentity(context.Background(), "slack", identity.ByUser("user-1"))
	require.NoError(t, err)
	require.Nil(t, credential)
}

func TestGetIdentitySingleMatch(t *testing.T) {
	f := setup(t)
	identityID := f.fake.AddIdentity("slack", userTags("user-1", "user-1"))

	credential, err := f.resolver.GetIdentity(context.Background(), "slack", identity.ByUser("user-1"))
	require.NoError(t, err)
	require.NotNil(t, credential)
	require.NotEmpty(t, credential.AccessToken)
	require.Equal(t, identityID, credential.Fusebit.IdentityID)
	require.Equal(t, f.fake.Account, credential.Fusebit.AccountID)
	require.Equal(t, f.fake.Subscription, credential.Fusebit.SubscriptionID)
	require.Equal(t, "slack", credential.Fusebit.ServiceID)
}

func TestGetIdentityAmbiguousThrowsUntilDuplicateRemoved(t *testing.T) {
	f := setup(t)
	f.fake.AddIdentity("slack", userTags("user-1", "tenant-1"))
	duplicate := f.fake.AddIdentity("slack", userTags("user-1", "tenant-2"))

	_, err := f.resolver.GetIdentity(context.Background(), "slack", identity.ByUser("user-1"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrAmbiguousIdentity))
	require.Contains(t, err.Error(), "user-1")

	require.NoError(t, f.resolver.DeleteIdentity(context.Background(), "slack", duplicate))

	credential, err := f.resolver.GetIdentity(context.Background(), "slack", identity.ByUser("user-1"))
	require.NoError(t, err)
	require.NotNil(t, credential)
}

func TestGetIdentityByIDSkipsSearch(t *testing.T) {
	f := setup(t)
	identityID := f.fake.AddIdentity("slack", userTags("user-1", "user-1"))
	// A second identity for the same user would make a search ambiguous.
	f.fake.AddIdentity("slack", userTags("user-1", "tenant-2"))

	credential, err := f.resolver.GetIdentity(context.Background(), "slack", identity.ByID(identityID))
	require.NoError(t, err)
	require.Equal(t, identityID, credential.Fusebit.IdentityID)
}

func TestGetIdentityEmptySelectorRejected(t *testing.T) {
	f := setup(t)

	_, err := f.resolver.GetIdentity(context.Background(), "slack", identity.Selector{})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrInvalidSelector))
	require.Zero(t, f.fake.Requests())
}

func TestGetIdentityTenantWildcardVersusNull(t *testing.T) {
	f := setup(t)

	nullTenant := userTags("user-1", "")
	nullTenant[tags.TenantKey] = nil
	f.fake.AddIdentity("slack", nullTenant)

	untagged := map[string]*string{
		tags.ServiceKey: brokertest.Str("slack"),
		tags.UserKey:    brokertest.Str("user-1"),
	}
	f.fake.AddIdentity("slack", untagged)

	// Explicit null matches only the record tagged null.
	page, err := f.resolver.GetIdentities(context.Background(), "slack",
		identity.ByTags(tags.Set{tags.UserKey: tags.String("user-1"), tags.TenantKey: tags.Null}), broker.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	// Key-only wildcard matches any present tenant tag, null included, but
	// not the record missing the tag entirely.
	page, err = f.resolver.GetIdentities(context.Background(), "slack",
		identity.ByTags(tags.Set{tags.UserKey: tags.String("user-1"), tags.TenantKey: tags.Any}), broker.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	// Omitting the tenant key does not filter on it at all.
	page, err = f.resolver.GetIdentities(context.Background(), "slack",
		identity.ByTags(tags.Set{tags.UserKey: tags.String("user-1")}), broker.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
}

func TestGetIdentitiesPaginates(t *testing.T) {
	f := setup(t)
	for i := 0; i < 5; i++ {
		f.fake.AddIdentity("slack", userTags("user-1", "user-1"))
	}

	var collected []broker.Identity
	options := broker.SearchOptions{PageSize: 2}
	for {
		page, err := f.resolver.GetIdentities(context.Background(), "slack", identity.ByUser("user-1"), options)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Items), 2)
		collected = append(collected, page.Items...)
		if page.Next == "" {
			break
		}
		options.Next = page.Next
	}
	require.Len(t, collected, 5)
}

func TestGetIdentitiesRejectsIDSelector(t *testing.T) {
	f := setup(t)

	_, err := f.resolver.GetIdentities(context.Background(), "slack", identity.ByID("idn-1"), broker.SearchOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrInvalidSelector))
}

func TestDeleteIdentityIsIdempotent(t *testing.T) {
	f := setup(t)
	identityID := f.fake.AddIdentity("slack", userTags("user-1", "user-1"))

	require.NoError(t, f.resolver.DeleteIdentity(context.Background(), "slack", identityID))
	require.Equal(t, 0, f.fake.IdentityCount("slack"))

	// Second delete of the same id is a no-op, not an error.
	require.NoError(t, f.resolver.DeleteIdentity(context.Background(), "slack", identityID))
}

func TestDeleteIdentityCascadesToInstall(t *testing.T) {
	f := setup(t)

	sessionTags := userTags("user-1", "user-1")
	sessionTags[tags.SessionKey] = brokertest.Str("ses-originating")
	identityID := f.fake.AddIdentity("slack", sessionTags)
	f.fake.AddInstall("slack", sessionTags, map[string]string{"slack": identityID})
	require.Equal(t, 1, f.fake.InstallCount())

	require.NoError(t, f.resolver.DeleteIdentity(context.Background(), "slack", identityID))
	require.Equal(t, 0, f.fake.InstallCount(), "owning install must be removed first")
	require.Equal(t, 0, f.fake.IdentityCount("slack"))
}

func TestDeleteIdentitiesEmptySelectorMakesNoNetworkCalls(t *testing.T) {
	f := setup(t)

	err := f.resolver.DeleteIdentities(context.Background(), "slack", identity.Selector{})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrInvalidSelector))
	require.Contains(t, err.Error(), "slack")

	err = f.resolver.DeleteIdentities(context.Background(), "slack", identity.ByTags(nil))
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrInvalidSelector))

	require.Zero(t, f.fake.Requests(), "an empty selector must be rejected before any network call")
}

func TestDeleteIdentitiesRemovesAllMatches(t *testing.T) {
	f := setup(t)
	f.fake.AddIdentity("slack", userTags("user-1", "tenant-1"))
	f.fake.AddIdentity("slack", userTags("user-1", "tenant-2"))
	f.fake.AddIdentity("slack", userTags("user-2", "user-2"))

	require.NoError(t, f.resolver.DeleteIdentities(context.Background(), "slack", identity.ByUser("user-1")))
	require.Equal(t, 1, f.fake.IdentityCount("slack"))
}

func TestInstallIDByTagsDefaultsTenant(t *testing.T) {
	f := setup(t)
	installID := f.fake.AddInstall("slack", userTags("user-1", "user-1"), nil)

	found, err := f.resolver.InstallIDByTags(context.Background(), "slack", "user-1", "")
	require.NoError(t, err)
	require.Equal(t, installID, found)
}

func TestInstallIDByTagsAmbiguous(t *testing.T) {
	f := setup(t)
	f.fake.AddInstall("slack", userTags("user-1", "user-1"), nil)
	f.fake.AddInstall("slack", userTags("user-1", "user-1"), nil)

	_, err := f.resolver.InstallIDByTags(context.Background(), "slack", "user-1", "")
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrAmbiguousInstall))
}

func TestParseSelector(t *testing.T) {
	require.Equal(t, "idn-123", identity.ParseSelector("idn-123").ID())
	require.Empty(t, identity.ParseSelector("user-1").ID())
	require.Equal(t, "user-1", identity.ParseSelector("user-1").Tags().Get(tags.UserKey))
}
