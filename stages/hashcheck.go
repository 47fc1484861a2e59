package stages

import (
	"fmt"
	"strings"

	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/tristate"
)

// CheckHash hashes the downloaded artifact and compares it, case
// insensitively, against the digest announced in the selected DNS
// record (spec §4.7). On a match it publishes validUpdateReady with the
// artifact's path.
func CheckHash(st *status.Status, hasher Hasher, path string) bool {
	actual, err := hasher.SHA256File(path)
	if err != nil {
		st.AddMessage(fmt.Sprintf("failed to hash downloaded artifact: %v", err))
		st.SetHashValid(tristate.Unknown)
		return false
	}

	expected := st.ExpectedHash()
	if !strings.EqualFold(actual, expected) {
		st.AddMessage(fmt.Sprintf("hash mismatch: expected %s, got %s", expected, actual))
		st.SetHashValid(tristate.False)
		return false
	}

	st.SetHashValid(tristate.True)
	st.PublishValidUpdateReady(path)
	return true
}
