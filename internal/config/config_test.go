package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tcpflux.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
services:
  - service_name: echo
    client_ip: 0.0.0.0
    client_port: 9000
    server_ip: 127.0.0.1
    server_port: 9001
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	svc := cfg.Services[0]
	if svc.ClientTimeout.Dur() != 30*time.Second {
		t.Fatalf("client_timeout = %v, want 30s", svc.ClientTimeout.Dur())
	}
	if svc.ClientMaxHistory.Bytes() != 512<<20 {
		t.Fatalf("client_max_history = %d, want 512MiB", svc.ClientMaxHistory.Bytes())
	}
}

func TestLoad_ParsesHumanReadableDurationsAndSizes(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
services:
  - service_name: echo
    client_ip: 0.0.0.0
    client_port: 9000
    server_ip: 127.0.0.1
    server_port: 9001
    client_timeout: 45s
    client_max_history: 10MiB
    http_max_body: 2MB
    dump_enabled: true
    dump_path: /tmp/dumps
    dump_interval: 2m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	svc := cfg.Services[0]
	if svc.ClientTimeout.Dur() != 45*time.Second {
		t.Fatalf("client_timeout = %v, want 45s", svc.ClientTimeout.Dur())
	}
	if svc.ClientMaxHistory.Bytes() != 10<<20 {
		t.Fatalf("client_max_history = %d, want 10MiB", svc.ClientMaxHistory.Bytes())
	}
	if svc.HTTPMaxBody.Bytes() != 2_000_000 {
		t.Fatalf("http_max_body = %d, want 2000000", svc.HTTPMaxBody.Bytes())
	}
	if svc.DumpInterval.Dur() != 2*time.Minute {
		t.Fatalf("dump_interval = %v, want 2m", svc.DumpInterval.Dur())
	}
	if svc.DumpMaxPackets != DefaultDumpMaxPackets {
		t.Fatalf("dump_max_packets = %d, want default %d", svc.DumpMaxPackets, DefaultDumpMaxPackets)
	}
}

func TestLoad_RejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
services:
  - service_name: broken
    client_ip: 0.0.0.0
    client_port: 9000
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for missing server_ip/server_port")
	}
}

func TestLoad_RejectsTLSEnabledWithoutCertAndKey(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
services:
  - service_name: secure
    client_ip: 0.0.0.0
    client_port: 9443
    server_ip: 127.0.0.1
    server_port: 9444
    tls_enabled: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for tls_enabled without cert/key")
	}
}

func TestLoad_NoServicesIsAnError(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `services: []`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an empty services list")
	}
}
