package everyauth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/everyauth/everyauth-go/tags"
)

// AuthorizeOptions configures the authorization middleware returned by
// Client.Authorize.
type AuthorizeOptions struct {
	// FinishedURL is where the browser ends up after the flow completes. A
	// path stays relative, an absolute URL stays absolute; either way the
	// serviceId, userId, tenantId, and (on failure) error query parameters
	// are appended. The identity id is deliberately not included: tokens
	// must not traverse the browser, so the application calls GetIdentity
	// afterwards.
	FinishedURL string

	// MapToUserID derives the user id from the inbound request. Required.
	MapToUserID func(r *http.Request) (string, error)

	// MapToTenantID derives the tenant id from the inbound request.
	// Optional; when nil the tenant defaults to the user id.
	MapToTenantID func(r *http.Request) (string, error)

	// HostedBaseURL fixes the externally reachable URL of the mount point.
	// Optional; see GetHostedBaseURL for the discovery fallback.
	HostedBaseURL string

	// HostedBaseURLFunc computes the externally reachable URL per request.
	// Optional; takes precedence over discovery but not over HostedBaseURL.
	HostedBaseURLFunc func(r *http.Request) string
}

// Authorize returns a mountable handler running the hosted authorization
// flow for one service. GET / starts a session and redirects the browser to
// the broker; GET /commit is the redirect-back target that finalizes the
// session and forwards the browser to FinishedURL.
func (c *Client) Authorize(serviceID string, options AuthorizeOptions) http.Handler {
	r := chi.NewRouter()
	r.Get("/", c.startHandler(serviceID, options))
	r.Get(commitRoute, c.commitHandler(serviceID, options))
	return r
}

const commitRoute = "/commit"

func (c *Client) startHandler(serviceID string, options AuthorizeOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := options.MapToUserID(r)
		if err != nil || userID == "" {
			log.Err(err).Str("serviceId", serviceID).Msg("mapping request to a userId failed")
			http.Error(w, "unable to determine user", http.StatusBadRequest)
			return
		}

		tenantID := ""
		if options.MapToTenantID != nil {
			tenantID, err = options.MapToTenantID(r)
			if err != nil {
				log.Err(err).Str("serviceId", serviceID).Msg("mapping request to a tenantId failed")
				http.Error(w, "unable to determine tenant", http.StatusBadRequest)
				return
			}
		}

		startURL, err := c.sessions.Start(r.Context(), serviceID, userID, tenantID, GetHostedBaseURL(options, r))
		if err != nil {
			log.Err(err).Str("serviceId", serviceID).Str("userId", userID).Msg("starting authorization session failed")
			http.Error(w, "unable to start authorization", http.StatusBadGateway)
			return
		}

		http.Redirect(w, r, startURL, http.StatusFound)
	}
}

func (c *Client) commitHandler(serviceID string, options AuthorizeOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		sessionID := query.Get("session")

		// The provider denied consent or failed. The session was never
		// committed, but its tags still identify the original requester, so
		// the error is forwarded to the finished URL instead of swallowed.
		if errParam := query.Get("error"); errParam != "" {
			userID, tenantID := "", ""
			if sessionID != "" {
				if ts, err := c.sessions.Tags(r.Context(), sessionID); err == nil {
					userID = ts.Get(tags.UserKey)
					tenantID = ts.Get(tags.TenantKey)
				} else {
					log.Err(err).Str("sessionId", sessionID).Msg("loading session tags for error redirect failed")
				}
			}
			log.Info().Str("serviceId", serviceID).Str("userId", userID).Str("error", errParam).Msg("authorization failed upstream")
			redirectFinished(w, r, options.FinishedURL, serviceID, userID, tenantID, errParam)
			return
		}

		if sessionID == "" {
			http.Error(w, "missing session parameter", http.StatusBadRequest)
			return
		}

		result, err := c.sessions.Commit(r.Context(), serviceID, sessionID)
		if err != nil {
			log.Err(err).Str("serviceId", serviceID).Str("sessionId", sessionID).Msg("committing authorization session failed")
			http.Error(w, "unable to complete authorization", http.StatusBadGateway)
			return
		}

		log.Info().Str("serviceId", serviceID).Str("userId", result.UserID).Str("tenantId", result.TenantID).Msg("authorization complete")
		redirectFinished(w, r, options.FinishedURL, serviceID, result.UserID, result.TenantID, "")
	}
}

// redirectFinished sends the browser to finishedURL with the completion query
// parameters appended, preserving whether the URL is absolute or relative and
// keeping any query parameters it already carries.
func redirectFinished(w http.ResponseWriter, r *http.Request, finishedURL, serviceID, userID, tenantID, errParam string) {
	u, err := url.Parse(finishedURL)
	if err != nil {
		http.Error(w, "invalid finished URL", http.StatusInternalServerError)
		return
	}

	q := u.Query()
	q.Set("serviceId", serviceID)
	q.Set("userId", userID)
	q.Set("tenantId", tenantID)
	if errParam != "" {
		q.Set("error", errParam)
	}
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

// GetHostedBaseURL determines the externally visible URL of the authorize
// mount point: an explicit configured value wins, then a per-request
// function, and finally reconstruction from the request itself (forwarded
// proto or TLS state, host, and path, with any query string stripped).
func GetHostedBaseURL(options AuthorizeOptions, r *http.Request) string {
	if options.HostedBaseURL != "" {
		return strings.TrimSuffix(options.HostedBaseURL, "/")
	}
	if options.HostedBaseURLFunc != nil {
		return strings.TrimSuffix(options.HostedBaseURLFunc(r), "/")
	}

	if r.URL.IsAbs() {
		u := *r.URL
		u.RawQuery = ""
		u.Fragment = ""
		return strings.TrimSuffix(u.String(), "/")
	}

	return strings.TrimSuffix(fmt.Sprintf("%s://%s%s", requestScheme(r), r.Host, r.URL.Path), "/")
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
