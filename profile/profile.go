// Package profile discovers the broker deployment profile an application is
// bound to and exchanges its PKI key pair for short-lived bearer tokens. A
// Provider is the injected credential source for the broker client; it owns
// its own token cache instead of relying on process-wide state.
package profile

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/everyauth/everyauth-go/internal/errs"
)

// Environment variables controlling profile discovery, checked in order
// before falling back to the filesystem walk.
const (
	// EnvProfileJSON holds a base64-encoded profile document, PKI included.
	EnvProfileJSON = "EVERYAUTH_PROFILE_JSON"
	// EnvProfileToken holds a JSON document with a pre-issued access token,
	// for deployments that manage token issuance themselves.
	EnvProfileToken = "EVERYAUTH_PROFILE_TOKEN"
	// EnvProfilePath names a directory containing a settings file.
	EnvProfilePath = "EVERYAUTH_PROFILE_PATH"
	// EnvAudience overrides the token audience, for local broker targets.
	EnvAudience = "EVERYAUTH_TOKEN_AUDIENCE"
)

const (
	settingsDirName    = ".fusebit"
	settingsFileName   = "settings.json"
	publicKeyFileName  = "pub"
	privateKeyFileName = "pri"
	jwtAlgorithm       = "RS256"
)

// PKI is the signing material for minting bearer tokens.
type PKI struct {
	Algorithm  string `json:"algorithm"`
	Audience   string `json:"audience"`
	Issuer     string `json:"issuer"`
	Subject    string `json:"subject"`
	Kid        string `json:"kid"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey,omitempty"`
}

// Profile binds an application to one broker account/subscription, together
// with either PKI signing material or a pre-issued access token.
type Profile struct {
	Account      string `json:"account"`
	Subscription string `json:"subscription"`
	BaseURL      string `json:"baseUrl"`
	Issuer       string `json:"issuer,omitempty"`
	Subject      string `json:"subject,omitempty"`
	KeyPair      string `json:"keypair,omitempty"`
	Kid          string `json:"kid,omitempty"`
	PKI          *PKI   `json:"pki,omitempty"`

	// AccessToken short-circuits signing when the profile was loaded from a
	// pre-issued token document.
	AccessToken string `json:"accessToken,omitempty"`
}

type settingsFile struct {
	Profiles map[string]*Profile `json:"profiles"`
	Defaults struct {
		Profile string `json:"profile"`
	} `json:"defaults"`
}

// tokenDocument is the EnvProfileToken shape.
type tokenDocument struct {
	AccessToken    string `json:"accessToken"`
	BaseURL        string `json:"baseUrl"`
	AccountID      string `json:"accountId"`
	SubscriptionID string `json:"subscriptionId"`
}

// Load discovers a profile: EnvProfileJSON, then EnvProfileToken, then
// EnvProfilePath, then an upward walk from the working directory looking for
// a .fusebit settings directory. name selects a profile from the settings
// file; empty means the configured default.
func Load(name string) (*Profile, error) {
	if raw := os.Getenv(EnvProfileJSON); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "[profile.Load] decoding %s", EnvProfileJSON)
		}
		var p Profile
		if err := json.Unmarshal(decoded, &p); err != nil {
			return nil, errors.Wrapf(err, "[profile.Load] parsing %s", EnvProfileJSON)
		}
		applyAudienceOverride(&p)
		return &p, nil
	}

	if raw := os.Getenv(EnvProfileToken); raw != "" {
		var doc tokenDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, errors.Wrapf(err, "[profile.Load] parsing %s", EnvProfileToken)
		}
		if doc.AccessToken == "" {
			return nil, errors.Errorf("[profile.Load] %s document has no accessToken", EnvProfileToken)
		}
		return &Profile{
			Account:      doc.AccountID,
			Subscription: doc.SubscriptionID,
			BaseURL:      doc.BaseURL,
			AccessToken:  doc.AccessToken,
		}, nil
	}

	if dir := os.Getenv(EnvProfilePath); dir != "" {
		return loadFromDir(dir, name)
	}

	dir, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "[profile.Load] resolving working directory")
	}
	for {
		p, err := loadFromDir(filepath.Join(dir, settingsDirName), name)
		if err == nil {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return nil, errors.Wrapf(errs.ErrNoProfile, "[profile.Load] no %s/%s found between the working directory and the filesystem root", settingsDirName, settingsFileName)
}

// loadFromDir reads a settings file and the referenced key pair from one
// directory.
func loadFromDir(dir, name string) (*Profile, error) {
	raw, err := os.ReadFile(filepath.Join(dir, settingsFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "[profile.loadFromDir] reading %s", dir)
	}

	var settings settingsFile
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, errors.Wrapf(err, "[profile.loadFromDir] parsing %s/%s", dir, settingsFileName)
	}

	if name == "" {
		name = settings.Defaults.Profile
	}
	p, ok := settings.Profiles[name]
	if !ok || p == nil {
		return nil, errors.Errorf("[profile.loadFromDir] profile %q not present in %s/%s", name, dir, settingsFileName)
	}

	keyDir := filepath.Join(dir, p.KeyPair, p.Kid)
	publicKey, err := os.ReadFile(filepath.Join(keyDir, publicKeyFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "[profile.loadFromDir] reading public key for %q", name)
	}
	privateKey, err := os.ReadFile(filepath.Join(keyDir, privateKeyFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "[profile.loadFromDir] reading private key for %q", name)
	}

	p.PKI = &PKI{
		Algorithm:  jwtAlgorithm,
		Audience:   p.BaseURL,
		Issuer:     p.Issuer,
		Subject:    p.Subject,
		Kid:        p.Kid,
		PrivateKey: string(privateKey),
		PublicKey:  string(publicKey),
	}
	applyAudienceOverride(p)

	log.Debug().Str("profile", name).Str("baseUrl", p.BaseURL).Msg("loaded profile")
	return p, nil
}

func applyAudienceOverride(p *Profile) {
	if p.PKI == nil {
		return
	}
	if audience := os.Getenv(EnvAudience); audience != "" {
		p.PKI.Audience = audience
	} else if p.PKI.Audience == "" {
		p.PKI.Audience = p.BaseURL
	}
}
