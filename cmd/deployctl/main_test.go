package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/totem/cluster-deployer/pkg/client"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("expected default base url, got %q", cfg.APIBaseURL)
	}

	if err := saveConfig(cliConfig{APIBaseURL: "http://deployer:9000"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg, err = loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.APIBaseURL != "http://deployer:9000" {
		t.Fatalf("expected saved base url, got %q", cfg.APIBaseURL)
	}
}

func TestReadRequestRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(good, []byte(`{"deployment":{"name":"app"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(`{"deployment":`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := readRequest(good); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	if _, err := readRequest(bad); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
	if _, err := readRequest(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTaskOutcome(t *testing.T) {
	if err := taskOutcome(client.Task{Status: client.StatusPending}); err != nil {
		t.Fatalf("expected pending task to be ok, got %v", err)
	}
	err := taskOutcome(client.Task{Status: client.StatusError, Error: &client.TaskError{Code: "RESOURCE_LOCKED", Message: "app is locked"}})
	if err == nil || err.Error() != "RESOURCE_LOCKED: app is locked" {
		t.Fatalf("expected task error, got %v", err)
	}
	if err := taskOutcome(client.Task{Status: client.StatusError}); err == nil {
		t.Fatalf("expected error for failed task without details")
	}
}
