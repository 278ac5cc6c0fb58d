package provider

import "github.com/pkg/errors"

// NormalizeSlack handles Slack's oauth.v2.access payload. The top-level
// access_token is the bot token; when a user-scoped flow was authorized the
// token instead lives under authed_user.
func NormalizeSlack(native map[string]interface{}, binding Binding) (*Credential, error) {
	if token, err := stringField(native, "access_token"); err == nil {
		return &Credential{AccessToken: token, Native: native, Fusebit: binding}, nil
	}

	if authedUser, ok := native["authed_user"].(map[string]interface{}); ok {
		if token, err := stringField(authedUser, "access_token"); err == nil {
			return &Credential{AccessToken: token, Native: native, Fusebit: binding}, nil
		}
	}

	return nil, errors.New("[provider.NormalizeSlack] payload has no bot or user access_token")
}
