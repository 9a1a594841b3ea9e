package codesign

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// EmbeddedProfileName is where a macOS app carries its provisioning profile,
// relative to Contents.
const EmbeddedProfileName = "embedded.provisionprofile"

// ProvisioningProfile is the plist payload of a .provisionprofile file.
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile decodes the CMS container and its plist payload.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// TeamID returns the first team identifier of the profile.
func (p *ProvisioningProfile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application identifier entitlement; macOS
// profiles use com.apple.application-identifier.
func (p *ProvisioningProfile) ApplicationIdentifier() string {
	for _, key := range []string{"com.apple.application-identifier", "application-identifier"} {
		if id, ok := p.Entitlements[key].(string); ok {
			return id
		}
	}
	return ""
}

// ExpiredAt reports whether the profile is no longer valid at t.
func (p *ProvisioningProfile) ExpiredAt(t time.Time) bool {
	return t.After(p.ExpirationDate)
}

// Certificates parses the developer certificates of the profile.
func (p *ProvisioningProfile) Certificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(p.DeveloperCertificates))
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// EmbedProvisioningProfile validates the profile at src and copies it to
// contentsDir/embedded.provisionprofile. Expired profiles are rejected.
func EmbedProvisioningProfile(src, contentsDir string, now time.Time) (*ProvisioningProfile, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	profile, err := ParseProvisioningProfile(data)
	if err != nil {
		return nil, err
	}
	if profile.ExpiredAt(now) {
		return nil, fmt.Errorf("provisioning profile %q expired on %s", profile.Name, profile.ExpirationDate.Format("2006-01-02"))
	}
	if err := os.WriteFile(filepath.Join(contentsDir, EmbeddedProfileName), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to embed provisioning profile: %w", err)
	}
	return profile, nil
}
