package envelope

import (
	"fmt"
	"net/url"
	"regexp"
)

// WellKnownManifestPath is the discovery path every ASAP agent serves its
// manifest from.
const WellKnownManifestPath = "/.well-known/asap/manifest.json"

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

/*
Manifest conveys the top-level capabilities and metadata exposed by an agent
that speaks the ASAP protocol. It is served at the well-known path and is
cacheable.
*/
type Manifest struct {
	ID           string       `json:"id"`
	Version      string       `json:"version"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Endpoints    Endpoints    `json:"endpoints"`
	Auth         *AuthSchemes `json:"auth,omitempty"`
	Signature    *string      `json:"signature,omitempty"`
}

type Capabilities struct {
	ProtocolVersion string          `json:"protocol_version"`
	Skills          []Skill         `json:"skills,omitempty"`
	Features        map[string]bool `json:"features,omitempty"`
}

type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Endpoints struct {
	ASAP   string  `json:"asap"`
	Events *string `json:"events,omitempty"`
}

type AuthSchemes struct {
	Schemes []string     `json:"schemes"`
	OAuth2  *OAuth2Block `json:"oauth2,omitempty"`
}

type OAuth2Block struct {
	TokenURL string   `json:"token_url"`
	Scopes   []string `json:"scopes,omitempty"`
}

// SupportsScheme reports whether the manifest advertises the given auth
// scheme (e.g. "bearer").
func (m *Manifest) SupportsScheme(scheme string) bool {
	if m.Auth == nil {
		return false
	}
	for _, s := range m.Auth.Schemes {
		if s == scheme {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a manifest: URN identity,
// semver version, and a parseable ASAP endpoint.
func (m *Manifest) Validate() error {
	if err := ValidateURN(m.ID); err != nil {
		return fmt.Errorf("manifest id: %w", err)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("manifest version %q is not semver", m.Version)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest name must not be empty")
	}
	if m.Capabilities.ProtocolVersion == "" {
		return fmt.Errorf("manifest protocol_version must not be empty")
	}
	if m.Endpoints.ASAP == "" {
		return fmt.Errorf("manifest asap endpoint must not be empty")
	}
	if _, err := url.ParseRequestURI(m.Endpoints.ASAP); err != nil {
		return fmt.Errorf("manifest asap endpoint: %w", err)
	}
	return nil
}
