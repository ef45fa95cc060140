package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sendzone/sendzoned/internal/slog"
)

const sampleYAML = `
hostname: mail.example.com
listeners:
  - name: smtp
    addr: "0.0.0.0:25"
    max_recipients: 100
    max_message_bytes: 10485760
zones:
  - name: default
    processes: 4
    pool4: ["10.0.0.1", "10.0.0.2"]
    throttle_n: 10
    throttle_period: 1s
domains:
  - domain: example.org
    max_connections: 5
routes:
  default: default
  recipient_domain:
    example.org: default
`

func TestLoad_ParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sendzoned.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("unexpected error writing fixture: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Hostname != "mail.example.com" {
		t.Fatalf("unexpected hostname: %q", f.Hostname)
	}
	if len(f.Zones) != 1 || f.Zones[0].ThrottlePeriod != time.Second {
		t.Fatalf("unexpected zones: %+v", f.Zones)
	}
	if f.Routes.Default != "default" {
		t.Fatalf("unexpected default route: %q", f.Routes.Default)
	}
}

func TestLoad_RejectsMissingHostname(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sendzoned.yaml")
	if err := os.WriteFile(path, []byte("zones: []\n"), 0o644); err != nil {
		t.Fatalf("unexpected error writing fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing hostname")
	}
}

func TestLoad_RejectsDuplicateZoneNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sendzoned.yaml")
	bad := "hostname: mail.example.com\nzones:\n  - name: a\n  - name: a\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("unexpected error writing fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for duplicate zone names")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sendzoned.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("unexpected error writing fixture: %v", err)
	}

	reloaded := make(chan *File, 1)
	w, err := Watch(path, slog.Logger{}, func(f *File, err error) {
		if err == nil {
			reloaded <- f
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	updated := sampleYAML + "\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("unexpected error rewriting fixture: %v", err)
	}

	select {
	case f := <-reloaded:
		if f.Hostname != "mail.example.com" {
			t.Fatalf("unexpected reloaded hostname: %q", f.Hostname)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reload")
	}
}
