package broker

import "github.com/everyauth/everyauth-go/tags"

// Session is the broker's record of one in-flight authorization attempt. The
// broker owns it; the client only references it by id.
type Session struct {
	ID          string         `json:"id"`
	Tags        tags.Set       `json:"tags,omitempty"`
	RedirectURL string         `json:"redirectUrl,omitempty"`
	Components  []string       `json:"components,omitempty"`
	InstallID   string         `json:"installId,omitempty"`
	Output      *SessionOutput `json:"output,omitempty"`
}

// SessionOutput appears on a Session once the provider-side grant has been
// committed into a durable install.
type SessionOutput struct {
	EntityID string `json:"entityId"`
}

// CreateSessionRequest is the body for creating a new Session.
type CreateSessionRequest struct {
	RedirectURL string            `json:"redirectUrl"`
	Tags        map[string]string `json:"tags"`
	Components  []string          `json:"components"`
	InstallID   string            `json:"installId,omitempty"`
}

// Install binds one authenticated (service, user, tenant) connection to its
// child Identity records.
type Install struct {
	ID           string                      `json:"id"`
	Tags         tags.Set                    `json:"tags,omitempty"`
	DateModified string                      `json:"dateModified,omitempty"`
	Data         map[string]InstallComponent `json:"data,omitempty"`
}

// InstallComponent points at the child record created for one component of an
// install. For this client that child is always an Identity.
type InstallComponent struct {
	EntityID string `json:"entityId"`
}

// Identity is the durable credential record. The live token is not part of
// this shape; it is fetched separately via GetIdentityToken.
type Identity struct {
	ID           string   `json:"id"`
	Tags         tags.Set `json:"tags,omitempty"`
	DateModified string   `json:"dateModified,omitempty"`
}

// IdentityPage is one page of identity search results.
type IdentityPage struct {
	Items []Identity `json:"items"`
	Next  string     `json:"next,omitempty"`
}

// InstallPage is one page of install search results.
type InstallPage struct {
	Items []Install `json:"items"`
	Next  string    `json:"next,omitempty"`
}

// SearchOptions controls pagination of tag searches.
type SearchOptions struct {
	// Next is the cursor returned by a previous page.
	Next string
	// PageSize caps the number of items per page. Zero means broker default.
	PageSize int
}
