package stages

import (
	"fmt"

	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/trust"
)

// ImportTrustedKeys initializes the signature engine against a fresh,
// owner-only-permission working directory and imports every key in the
// manifest into it (spec §4.4). It returns a fingerprint-to-owner index
// used by the signature-quorum stage to recognize which allow-listed
// maintainer produced a given signature.
func ImportTrustedKeys(st *status.Status, engine SignatureEngine, homeDir string, manifest *trust.Manifest) (map[string]string, error) {
	if err := engine.Init(homeDir); err != nil {
		st.AddMessage(fmt.Sprintf("failed to initialize signature engine: %v", err))
		return nil, err
	}

	owners, err := manifest.Import(engine)
	if err != nil {
		st.AddMessage(fmt.Sprintf("failed to import trusted keys: %v", err))
		return nil, err
	}

	st.AddMessage(fmt.Sprintf("imported %d trusted key(s)", len(owners)))
	return owners, nil
}
