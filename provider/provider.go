// Package provider normalizes raw token payloads stored by the broker into a
// uniform Credential shape. Normalizers are pure functions: no network, no
// state, table-driven by service id with a generic OAuth fallback.
package provider

import (
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Binding identifies where a credential came from. It is stamped onto every
// normalized credential so applications can trace it back to the broker
// records that produced it.
type Binding struct {
	AccountID      string `json:"accountId"`
	SubscriptionID string `json:"subscriptionId"`
	ServiceID      string `json:"serviceId"`
	IdentityID     string `json:"identityId"`
}

// Credential is the derived, non-persisted view of a fetched identity token.
// It is recomputed on every fetch and never stored.
type Credential struct {
	// AccessToken is the live OAuth2 access token for the service.
	AccessToken string
	// Native is the raw provider payload, untouched except for the binding
	// stamped under the "fusebit" key.
	Native map[string]interface{}
	// Fusebit identifies the broker records behind this credential.
	Fusebit Binding
}

// TokenSource adapts the credential for use with oauth2-aware SDK clients,
// e.g. oauth2.NewClient(ctx, cred.TokenSource()).
func (c *Credential) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken})
}

// NormalizeFunc converts one service's raw token payload into a Credential.
type NormalizeFunc func(native map[string]interface{}, binding Binding) (*Credential, error)

// Registry maps service ids to normalizers. Unknown services fall back to the
// generic OAuth normalizer, so every service id resolves to exactly one
// function.
type Registry struct {
	entries  map[string]NormalizeFunc
	fallback NormalizeFunc
}

// NewRegistry returns a registry preloaded with the built-in per-service
// entries and the generic OAuth fallback.
func NewRegistry() *Registry {
	r := &Registry{
		entries:  make(map[string]NormalizeFunc),
		fallback: NormalizeOAuth,
	}
	r.Register("slack", NormalizeSlack)
	return r
}

// Register installs or replaces the normalizer for a service id.
func (r *Registry) Register(serviceID string, fn NormalizeFunc) {
	r.entries[serviceID] = fn
}

// Normalize stamps the binding into the payload and runs the service's
// normalizer, or the fallback when no entry exists.
func (r *Registry) Normalize(serviceID string, native map[string]interface{}, binding Binding) (*Credential, error) {
	fn, ok := r.entries[serviceID]
	if !ok {
		fn = r.fallback
	}

	stamped := make(map[string]interface{}, len(native)+1)
	for k, v := range native {
		stamped[k] = v
	}
	stamped["fusebit"] = map[string]interface{}{
		"accountId":      binding.AccountID,
		"subscriptionId": binding.SubscriptionID,
		"serviceId":      binding.ServiceID,
		"identityId":     binding.IdentityID,
	}

	return fn(stamped, binding)
}

// NormalizeOAuth handles the common OAuth2 payload shape, where the live
// token sits in the access_token field.
func NormalizeOAuth(native map[string]interface{}, binding Binding) (*Credential, error) {
	token, err := stringField(native, "access_token")
	if err != nil {
		return nil, errors.Wrapf(err, "[provider.NormalizeOAuth] %s token payload", binding.ServiceID)
	}
	return &Credential{AccessToken: token, Native: native, Fusebit: binding}, nil
}

func stringField(native map[string]interface{}, field string) (string, error) {
	raw, ok := native[field]
	if !ok {
		return "", errors.Errorf("payload has no %s field", field)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", errors.Errorf("payload %s field is not a usable string", field)
	}
	return s, nil
}
