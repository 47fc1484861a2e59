// Package trust loads the allow-listed maintainer key manifest that backs
// the signature-quorum stage (spec §4.4/§4.5): the set of public keys the
// process is willing to import into its signature engine and the minimum
// number of distinct, valid signatures required before an update is
// trusted.
package trust

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Key is one allow-listed maintainer entry in the manifest.
type Key struct {
	// Owner is the label the signature-quorum stage reports for
	// signatures made with this key. It is not used to locate files: the
	// per-user directories come from the scraped attestation index.
	Owner string `yaml:"owner"`

	// Fingerprint, if set, is cross-checked against the fingerprint
	// ImportKey reports for PublicKey; a mismatch is a manifest error,
	// catching a copy-paste mistake at load time rather than at verify
	// time.
	Fingerprint string `yaml:"fingerprint"`

	// PublicKey is the ASCII-armored OpenPGP public key block.
	PublicKey string `yaml:"public_key"`
}

// UnmarshalYAML validates required fields as the manifest is decoded,
// rather than deferring to a separate validation pass.
func (k *Key) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Owner       string `yaml:"owner"`
		Fingerprint string `yaml:"fingerprint"`
		PublicKey   string `yaml:"public_key"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Owner == "" {
		return fmt.Errorf("trust key: owner is required")
	}
	if strings.TrimSpace(raw.PublicKey) == "" {
		return fmt.Errorf("trust key %q: public_key is required", raw.Owner)
	}

	k.Owner = raw.Owner
	k.Fingerprint = strings.ToUpper(strings.ReplaceAll(raw.Fingerprint, " ", ""))
	k.PublicKey = raw.PublicKey
	return nil
}

// Manifest is the decoded allow-list: the keys to import and the minimum
// number of distinct maintainers whose valid signatures are required
// before an update is trusted (spec §4.5's quorum threshold, default 2).
type Manifest struct {
	MinValidSigs int   `yaml:"min_valid_sigs"`
	Keys         []Key `yaml:"keys"`
}

// UnmarshalYAML applies the default quorum threshold and rejects a
// manifest with no keys at all, which can never produce a quorum.
func (m *Manifest) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MinValidSigs int   `yaml:"min_valid_sigs"`
		Keys         []Key `yaml:"keys"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if len(raw.Keys) == 0 {
		return fmt.Errorf("trust manifest: at least one key is required")
	}
	if raw.MinValidSigs <= 0 {
		raw.MinValidSigs = 2
	}

	m.MinValidSigs = raw.MinValidSigs
	m.Keys = raw.Keys
	return nil
}

// LoadManifest reads and decodes the trust-key manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse trust manifest %s: %w", path, err)
	}
	return &m, nil
}

// Engine is the subset of the OpenPGP collaborator (adapters.PGPEngine)
// the manifest needs to populate a signature engine's keyring.
type Engine interface {
	ImportKey(armored []byte) (fingerprint string, err error)
	TrustGood(fingerprint string) error
}

// Import loads every key in the manifest into engine, returning an index
// from fingerprint to owner for the keys that were actually imported. It
// stops at the first key that fails to import or whose fingerprint
// disagrees with the manifest, since a broken allow-list must not be
// used partially.
func (m *Manifest) Import(engine Engine) (map[string]string, error) {
	owners := make(map[string]string, len(m.Keys))
	for _, k := range m.Keys {
		fp, err := engine.ImportKey([]byte(k.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("import key for %s: %w", k.Owner, err)
		}
		if k.Fingerprint != "" && fp != k.Fingerprint {
			return nil, fmt.Errorf("import key for %s: fingerprint mismatch: manifest says %s, key is %s", k.Owner, k.Fingerprint, fp)
		}
		if err := engine.TrustGood(fp); err != nil {
			return nil, fmt.Errorf("trust key for %s: %w", k.Owner, err)
		}
		owners[fp] = k.Owner
	}
	return owners, nil
}
