// Package tlsconfig builds the client TLS configuration used when a socket
// is upgraded, directly or through a proxy tunnel.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
)

// VersionProfile is a named min/max TLS version range.
type VersionProfile struct {
	Name        string
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern accepts TLS 1.3 only.
	ProfileModern = VersionProfile{
		Name:        "modern",
		Min:         tls.VersionTLS13,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.3 only",
	}

	// ProfileSecure accepts TLS 1.2 and 1.3. This is the default.
	ProfileSecure = VersionProfile{
		Name:        "secure",
		Min:         tls.VersionTLS12,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.2+",
	}

	// ProfileCompatible also allows the deprecated TLS 1.0 and 1.1.
	ProfileCompatible = VersionProfile{
		Name:        "compatible",
		Min:         tls.VersionTLS10,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.0+, includes deprecated versions",
	}
)

var profiles = map[string]VersionProfile{
	ProfileModern.Name:     ProfileModern,
	ProfileSecure.Name:     ProfileSecure,
	ProfileCompatible.Name: ProfileCompatible,
}

// ProfileByName looks up a profile. The empty name selects ProfileSecure.
func ProfileByName(name string) (VersionProfile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProfileSecure, nil
	}
	p, ok := profiles[name]
	if !ok {
		return VersionProfile{}, fmt.Errorf("unknown TLS profile %q (known: %s)", name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames lists the registered profile names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetVersionName returns human-readable name for a TLS version
func GetVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated returns true if the version is deprecated/insecure
func IsVersionDeprecated(version uint16) bool {
	return version < tls.VersionTLS12
}

// TLS 1.2 suites, strongest first. TLS 1.3 suites are not configurable.
var (
	CipherSuitesSecure = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	CipherSuitesCompatible = append(append([]uint16{}, CipherSuitesSecure...),
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	)
)

// ApplyVersionProfile applies a version profile to config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites picks suites appropriate for the minimum version.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	switch {
	case minVersion >= tls.VersionTLS13:
		config.CipherSuites = nil
	case minVersion >= tls.VersionTLS12:
		config.CipherSuites = CipherSuitesSecure
	default:
		config.CipherSuites = CipherSuitesCompatible
	}
}

// Build returns the configuration for one handshake with serverName.
//
// When base is non-nil it is cloned and only ServerName is forced; the
// caller owns every other field. Otherwise the named profile is applied and
// certificate verification follows insecure.
func Build(serverName string, insecure bool, profile string, base *tls.Config) (*tls.Config, error) {
	if base != nil {
		cfg := base.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = serverName
		}
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{"http/1.1"}
		}
		return cfg, nil
	}

	p, err := ProfileByName(profile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"http/1.1"},
	}
	ApplyVersionProfile(cfg, p)
	ApplyCipherSuites(cfg, p.Min)
	return cfg, nil
}
