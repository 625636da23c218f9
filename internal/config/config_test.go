package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDescriptorsValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.toml")
	contents := `
[[service]]
name = "web"
command = ["python3", "-m", "http.server"]
ports = [8080]

[[service]]
name = "api"
command = ["myapi"]
ports = [9090, 9091]
stop_signal = "SIGTERM"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write descriptors: %v", err)
	}

	services, err := LoadDescriptors(path)
	if err != nil {
		t.Fatalf("LoadDescriptors: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	if services[0].Name != "web" || len(services[0].Ports) != 1 {
		t.Fatalf("unexpected first service: %+v", services[0])
	}
	if services[1].StopSignal == 0 {
		t.Fatalf("expected SIGTERM to resolve, got zero value")
	}
}

func TestLoadDescriptorsRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.toml")
	contents := `
[[service]]
name = "broken"
command = []
ports = [8080]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write descriptors: %v", err)
	}

	if _, err := LoadDescriptors(path); err == nil {
		t.Fatal("expected validation error for empty command")
	}
}

func TestLoadDescriptorsMissingFile(t *testing.T) {
	if _, err := LoadDescriptors("/nonexistent/services.toml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
