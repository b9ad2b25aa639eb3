package core

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadQuotas(t *testing.T) {
	dir, err := ioutil.TempDir("", "telemetry")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "quotas.json")
	contents := `{"Polkadot": 1500, "Kusama": 800, "Westend": 0}`
	if err := ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("err: %v", err)
	}

	quotas, err := LoadQuotas(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if quotas.Len() != 3 {
		t.Fatalf("limits: %d", quotas.Len())
	}

	if limit, ok := quotas.Limit("Polkadot"); !ok || limit != 1500 {
		t.Fatalf("polkadot: %d %v", limit, ok)
	}
	if limit, ok := quotas.Limit("Westend"); !ok || limit != 0 {
		t.Fatalf("westend: %d %v", limit, ok)
	}

	// an unlisted chain is unlimited
	if _, ok := quotas.Limit("Rococo"); ok {
		t.Fatal("unlisted chain has a limit")
	}
}

func TestLoadQuotasEmptyFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "telemetry")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "quotas.json")
	if err := ioutil.WriteFile(path, []byte{}, 0644); err != nil {
		t.Fatalf("err: %v", err)
	}

	quotas, err := LoadQuotas(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if quotas.Len() != 0 {
		t.Fatalf("limits: %d", quotas.Len())
	}
}

func TestLoadQuotasMissingFile(t *testing.T) {
	if _, err := LoadQuotas("/nonexistent/quotas.json"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
