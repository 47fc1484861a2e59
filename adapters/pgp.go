package adapters

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/ironledger/updateverify/tristate"
)

// PGPEngine is the OpenPGP collaborator described in spec §4.4/§4.5/§6: it
// owns a private keyring populated only from the caller's allow-list, and
// verifies detached signatures against it. Unlike the GPGME engine the
// source drove (which persists a GNUPGHOME directory and an on-disk TOFU
// trust database), go-crypto's openpgp package is a pure library with an
// in-memory keyring — TrustGood is therefore a bookkeeping no-op, and the
// actual trust decision lives entirely in which keys the caller chose to
// import (see DESIGN.md).
type PGPEngine struct {
	homeDir string
	keyring openpgp.EntityList
}

// NewPGPEngine creates an uninitialized engine; call Init before use.
func NewPGPEngine() *PGPEngine { return &PGPEngine{} }

// Init implements stages.SignatureEngine. It creates the private working
// directory with owner-only permissions, per spec §4.4 and §5's
// shared-resource policy; the directory itself is not required by
// go-crypto (there is no on-disk keyring or trust database to place in
// it), but it is still created and later removed so the filesystem
// footprint matches the documented contract and any future on-disk
// artifacts (e.g. a debug dump of the keyring) have somewhere sanctioned
// to live.
func (e *PGPEngine) Init(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return fmt.Errorf("create signature engine home %s: %w", homeDir, err)
	}
	e.homeDir = homeDir
	e.keyring = nil
	return nil
}

// Close removes the private working directory.
func (e *PGPEngine) Close() error {
	if e.homeDir == "" {
		return nil
	}
	if err := os.RemoveAll(e.homeDir); err != nil {
		return fmt.Errorf("remove signature engine home %s: %w", e.homeDir, err)
	}
	return nil
}

// ImportKey implements stages.SignatureEngine: it adds an armored public
// key to the private keyring and returns its fingerprint.
func (e *PGPEngine) ImportKey(armored []byte) (string, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		return "", fmt.Errorf("import key: %w", err)
	}
	if len(entities) == 0 || entities[0].PrimaryKey == nil {
		return "", fmt.Errorf("import key: no primary key found")
	}

	entity := entities[0]
	fp := fingerprintHex(entity.PrimaryKey.Fingerprint)
	e.keyring = append(e.keyring, entity)
	return fp, nil
}

// TrustGood implements stages.SignatureEngine. See the type doc: trust is
// established by import-time allow-listing, not by a persisted TOFU
// database, so this only validates the fingerprint is one we hold.
func (e *PGPEngine) TrustGood(fingerprint string) error {
	for _, entity := range e.keyring {
		if entity.PrimaryKey != nil && fingerprintHex(entity.PrimaryKey.Fingerprint) == fingerprint {
			return nil
		}
	}
	return fmt.Errorf("trust good: fingerprint %s not in keyring", fingerprint)
}

// VerifyDetached implements stages.SignatureEngine, mapping go-crypto's
// binary success/failure into the tri-state verdict spec §4.5 requires:
// true iff the signature checks out against a key in the keyring; false
// iff the signature is cryptographically invalid; unknown iff the signing
// key isn't in the keyring or the result is otherwise inconclusive. The
// issuer fingerprint is extracted directly from the signature packet
// first, independent of the verdict, so it is available for logging even
// when the corresponding key was never imported.
func (e *PGPEngine) VerifyDetached(contents, sig []byte) (fingerprint string, verdict tristate.State, err error) {
	fp := issuerFingerprint(sig)

	signer, verr := openpgp.CheckArmoredDetachedSignature(e.keyring, bytes.NewReader(contents), bytes.NewReader(sig), nil)
	if verr == nil {
		if signer != nil && signer.PrimaryKey != nil {
			fp = fingerprintHex(signer.PrimaryKey.Fingerprint)
		}
		return fp, tristate.True, nil
	}

	if verr == pgperrors.ErrUnknownIssuer {
		return fp, tristate.Unknown, nil
	}
	if _, ok := verr.(pgperrors.SignatureError); ok {
		return fp, tristate.False, nil
	}
	return fp, tristate.Unknown, nil
}

func fingerprintHex(fp []byte) string {
	return strings.ToUpper(hex.EncodeToString(fp))
}

// issuerFingerprint best-effort extracts the issuer's key fingerprint (or,
// failing that, its 64-bit key id) straight from an armored detached
// signature's first packet, without needing a matching key in any keyring.
func issuerFingerprint(armoredSig []byte) string {
	block, err := armor.Decode(bytes.NewReader(armoredSig))
	if err != nil {
		return ""
	}
	pkt, err := packet.Read(block.Body)
	if err != nil {
		return ""
	}
	sigPkt, ok := pkt.(*packet.Signature)
	if !ok {
		return ""
	}
	if len(sigPkt.IssuerFingerprint) > 0 {
		return fingerprintHex(sigPkt.IssuerFingerprint)
	}
	if sigPkt.IssuerKeyId != nil {
		return strings.ToUpper(fmt.Sprintf("%016X", *sigPkt.IssuerKeyId))
	}
	return ""
}
