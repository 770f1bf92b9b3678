package tlsconfig_test

import (
	"crypto/tls"
	"testing"

	"github.com/WhileEndless/go-parallelhttp/pkg/tlsconfig"
)

func TestProfileByName(t *testing.T) {
	tests := []struct {
		name    string
		want    uint16
		wantErr bool
	}{
		{"", tls.VersionTLS12, false},
		{"secure", tls.VersionTLS12, false},
		{" Modern ", tls.VersionTLS13, false},
		{"compatible", tls.VersionTLS10, false},
		{"legacy", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tlsconfig.ProfileByName(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Min != tt.want {
				t.Errorf("Min = %s, want %s", tlsconfig.GetVersionName(p.Min), tlsconfig.GetVersionName(tt.want))
			}
		})
	}
}

func TestBuildFromProfile(t *testing.T) {
	cfg, err := tlsconfig.Build("example.com", false, "secure", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.ServerName != "example.com" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
	if cfg.InsecureSkipVerify {
		t.Error("verification must be on by default")
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Errorf("versions = %x-%x", cfg.MinVersion, cfg.MaxVersion)
	}
	if len(cfg.CipherSuites) != len(tlsconfig.CipherSuitesSecure) {
		t.Errorf("cipher suites not applied")
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "http/1.1" {
		t.Errorf("NextProtos = %v", cfg.NextProtos)
	}

	insecure, err := tlsconfig.Build("example.com", true, "modern", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !insecure.InsecureSkipVerify || insecure.CipherSuites != nil {
		t.Errorf("modern insecure config = %+v", insecure)
	}
}

func TestBuildClonesBase(t *testing.T) {
	base := &tls.Config{MinVersion: tls.VersionTLS13}
	cfg, err := tlsconfig.Build("api.example.com", true, "compatible", base)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg == base {
		t.Fatal("base config must be cloned")
	}
	if base.ServerName != "" {
		t.Error("base config was mutated")
	}
	if cfg.ServerName != "api.example.com" || cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.InsecureSkipVerify {
		t.Error("insecure flag must not override a caller config")
	}
}

func TestBuildUnknownProfile(t *testing.T) {
	if _, err := tlsconfig.Build("h", false, "ssl3", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsVersionDeprecated(t *testing.T) {
	if !tlsconfig.IsVersionDeprecated(tls.VersionTLS11) {
		t.Error("TLS 1.1 should be deprecated")
	}
	if tlsconfig.IsVersionDeprecated(tls.VersionTLS12) {
		t.Error("TLS 1.2 should not be deprecated")
	}
	if got := tlsconfig.GetVersionName(0x9999); got != "Unknown" {
		t.Errorf("GetVersionName = %q", got)
	}
}
