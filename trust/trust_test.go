package trust

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePublicKey = `-----BEGIN PGP PUBLIC KEY BLOCK-----
fake-key-material-for-testing
-----END PGP PUBLIC KEY BLOCK-----`

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, fmt.Sprintf(`
min_valid_sigs: 3
keys:
  - owner: alice
    fingerprint: "AB CD 01"
    public_key: |
      %s
`, strings.ReplaceAll(samplePublicKey, "\n", "\n      ")))

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if m.MinValidSigs != 3 {
		t.Errorf("MinValidSigs = %d, want 3", m.MinValidSigs)
	}
	if len(m.Keys) != 1 || m.Keys[0].Owner != "alice" {
		t.Fatalf("Keys = %+v", m.Keys)
	}
	if m.Keys[0].Fingerprint != "ABCD01" {
		t.Errorf("Fingerprint = %q, want normalized ABCD01", m.Keys[0].Fingerprint)
	}
}

func TestLoadManifestDefaultsThreshold(t *testing.T) {
	path := writeManifest(t, fmt.Sprintf(`
keys:
  - owner: alice
    public_key: |
      %s
`, strings.ReplaceAll(samplePublicKey, "\n", "\n      ")))

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if m.MinValidSigs != 2 {
		t.Errorf("MinValidSigs = %d, want default 2", m.MinValidSigs)
	}
}

func TestLoadManifestRejectsEmptyKeyList(t *testing.T) {
	path := writeManifest(t, "keys: []\n")
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected an error for a manifest with no keys")
	}
}

func TestLoadManifestRejectsMissingPublicKey(t *testing.T) {
	path := writeManifest(t, "keys:\n  - owner: alice\n")
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected an error for a key entry with no public_key")
	}
}

type fakeImportEngine struct {
	fingerprints map[string]string // armored -> fingerprint
	trusted      []string
}

func (f *fakeImportEngine) ImportKey(armored []byte) (string, error) {
	fp, ok := f.fingerprints[string(armored)]
	if !ok {
		return "", fmt.Errorf("no fingerprint stubbed")
	}
	return fp, nil
}

func (f *fakeImportEngine) TrustGood(fingerprint string) error {
	f.trusted = append(f.trusted, fingerprint)
	return nil
}

func TestManifestImport(t *testing.T) {
	m := &Manifest{
		MinValidSigs: 2,
		Keys: []Key{
			{Owner: "alice", PublicKey: "key-a"},
			{Owner: "bob", PublicKey: "key-b"},
		},
	}
	engine := &fakeImportEngine{fingerprints: map[string]string{
		"key-a": "FP-A",
		"key-b": "FP-B",
	}}

	owners, err := m.Import(engine)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if owners["FP-A"] != "alice" || owners["FP-B"] != "bob" {
		t.Errorf("owners = %+v", owners)
	}
	if len(engine.trusted) != 2 {
		t.Errorf("expected TrustGood called for both keys, got %v", engine.trusted)
	}
}

func TestManifestImportFingerprintMismatch(t *testing.T) {
	m := &Manifest{Keys: []Key{{Owner: "alice", Fingerprint: "WRONG", PublicKey: "key-a"}}}
	engine := &fakeImportEngine{fingerprints: map[string]string{"key-a": "FP-A"}}

	if _, err := m.Import(engine); err == nil {
		t.Fatal("expected an error when the manifest fingerprint disagrees with the imported key")
	}
}
