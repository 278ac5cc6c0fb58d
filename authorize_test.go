package everyauth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	everyauth "github.com/everyauth/everyauth-go"
	"github.com/everyauth/everyauth-go/internal/brokertest"
)

type appFixture struct {
	fake   *brokertest.Server
	client *everyauth.Client
	app    *httptest.Server
}

// setupApp mounts the authorize handler for slack at /authorize on a test
// application, the way an embedding web app would.
func setupApp(t *testing.T, options everyauth.AuthorizeOptions) *appFixture {
	t.Helper()

	fake := brokertest.New()
	t.Cleanup(fake.Close)
	// The adapter flow should not dwell in the poll loop during tests.
	fake.PendingPolls = 0

	client, err := everyauth.New(
		everyauth.WithCredentialProvider(fake.Credentials()),
		everyauth.WithCommitTimeout(2*time.Second),
	)
	require.NoError(t, err)

	if options.MapToUserID == nil {
		options.MapToUserID = func(r *http.Request) (string, error) {
			return r.URL.Query().Get("userId"), nil
		}
	}

	r := chi.NewRouter()
	r.Mount("/authorize", client.Authorize("slack", options))
	app := httptest.NewServer(r)
	t.Cleanup(app.Close)

	return &appFixture{fake: fake, client: client, app: app}
}

func noRedirects() *http.Client {
	return &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

// begin drives GET /authorize and returns the broker session id parsed from
// the redirect target.
func (f *appFixture) begin(t *testing.T, query string) string {
	t.Helper()

	res, err := noRedirects().Get(f.app.URL + "/authorize?" + query)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusFound, res.StatusCode)

	location := res.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, f.fake.URL))
	require.True(t, strings.HasSuffix(location, "/start"))

	parts := strings.Split(location, "/")
	return parts[len(parts)-2]
}

// finish drives GET /authorize/commit and returns the parsed redirect target.
func (f *appFixture) finish(t *testing.T, query string) *url.URL {
	t.Helper()

	res, err := noRedirects().Get(f.app.URL + "/authorize/commit?" + query)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusFound, res.StatusCode)

	target, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	return target
}

func TestAuthorizeEndToEnd(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{FinishedURL: "/finished"})

	sessionID := f.begin(t, "userId=user-1")
	target := f.finish(t, "session="+sessionID)

	require.Equal(t, "/finished", target.Path)
	require.Empty(t, target.Host, "a relative finished URL must stay relative")

	q := target.Query()
	require.Equal(t, "slack", q.Get("serviceId"))
	require.Equal(t, "user-1", q.Get("userId"))
	require.Equal(t, "user-1", q.Get("tenantId"), "tenant defaults to the user id")
	require.False(t, q.Has("error"))

	// The credential is fetched out of band, never through the redirect.
	require.False(t, q.Has("identityId"))
	credential, err := f.client.GetIdentity(context.Background(), "slack", everyauth.ByUser("user-1"))
	require.NoError(t, err)
	require.NotNil(t, credential)
	require.NotEmpty(t, credential.AccessToken)
}

func TestAuthorizeReusesInstallAcrossReauthorization(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{FinishedURL: "/finished"})

	f.finish(t, "session="+f.begin(t, "userId=user-1"))
	f.finish(t, "session="+f.begin(t, "userId=user-1"))
	require.Equal(t, 1, f.fake.InstallCount())

	page, err := f.client.GetIdentities(context.Background(), "slack", everyauth.ByUser("user-1"), everyauth.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestAuthorizeDistinctTenantsCreateDistinctIdentities(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{
		FinishedURL: "/finished",
		MapToTenantID: func(r *http.Request) (string, error) {
			return r.URL.Query().Get("tenantId"), nil
		},
	})

	f.finish(t, "session="+f.begin(t, "userId=user-1"))
	f.finish(t, "session="+f.begin(t, "userId=user-1&tenantId=tenant-2"))
	require.Equal(t, 2, f.fake.InstallCount())

	page, err := f.client.GetIdentities(context.Background(), "slack", everyauth.ByUser("user-1"), everyauth.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
}

func TestAuthorizeProviderErrorForwardedToFinishedURL(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{FinishedURL: "/finished"})

	sessionID := f.begin(t, "userId=user-1")
	target := f.finish(t, "session="+sessionID+"&error=access_denied")

	q := target.Query()
	require.Equal(t, "access_denied", q.Get("error"))
	require.Equal(t, "slack", q.Get("serviceId"))
	require.Equal(t, "user-1", q.Get("userId"), "tags from the uncommitted session correlate the error")

	// The denied session must never have been committed.
	require.Equal(t, 0, f.fake.InstallCount())
}

func TestAuthorizeAbsoluteFinishedURLStaysAbsolute(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{FinishedURL: "https://app.example.com/done?keep=1"})

	target := f.finish(t, "session="+f.begin(t, "userId=user-1"))

	require.Equal(t, "https", target.Scheme)
	require.Equal(t, "app.example.com", target.Host)
	require.Equal(t, "/done", target.Path)
	require.Equal(t, "1", target.Query().Get("keep"), "existing query parameters survive")
	require.Equal(t, "user-1", target.Query().Get("userId"))
}

func TestAuthorizeMissingUserIsRejected(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{FinishedURL: "/finished"})

	res, err := noRedirects().Get(f.app.URL + "/authorize")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestAuthorizeCommitWithoutSessionIsRejected(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{FinishedURL: "/finished"})

	res, err := noRedirects().Get(f.app.URL + "/authorize/commit")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetHostedBaseURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/authorize?userId=user-1", nil)
	r.Host = "app.example.com"

	require.Equal(t, "http://app.example.com/authorize",
		everyauth.GetHostedBaseURL(everyauth.AuthorizeOptions{}, r))

	r.Header.Set("X-Forwarded-Proto", "https")
	require.Equal(t, "https://app.example.com/authorize",
		everyauth.GetHostedBaseURL(everyauth.AuthorizeOptions{}, r))

	require.Equal(t, "https://cdn.example.com/mnt",
		everyauth.GetHostedBaseURL(everyauth.AuthorizeOptions{HostedBaseURL: "https://cdn.example.com/mnt/"}, r))

	require.Equal(t, "https://fn.example.com/hook",
		everyauth.GetHostedBaseURL(everyauth.AuthorizeOptions{
			HostedBaseURLFunc: func(*http.Request) string { return "https://fn.example.com/hook" },
		}, r))
}

func TestSessionRedirectURLTargetsCommitRoute(t *testing.T) {
	f := setupApp(t, everyauth.AuthorizeOptions{FinishedURL: "/finished"})

	f.begin(t, "userId=user-1")

	// The session's redirect URL must point back at the adapter's commit
	// endpoint, derived from the inbound request.
	appURL, err := url.Parse(f.app.URL)
	require.NoError(t, err)
	require.Equal(t, 1, f.fake.SessionCount())
	require.Equal(t, "http://"+appURL.Host+"/authorize/commit", f.fake.LastSessionRedirectURL())
}
