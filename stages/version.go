package stages

import (
	"fmt"
	"strings"

	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/tristate"
	"github.com/ironledger/updateverify/vercmp"
)

// Selection is the version record chosen out of a DNS TXT record set.
type Selection struct {
	Version string
	Hash    string
}

// SelectVersion parses the "software:buildtag:version:hash" records
// returned by the DNS quorum stage, keeps only the ones naming this
// software/buildtag, and picks the highest version among them (spec
// §4.3). A record's hash field is rejected unless it is exactly 64 hex
// characters — the corrected reading of the hash-length check, since the
// original predicate accepted any field that was either 64 characters
// long OR entirely alphanumeric, which let a malformed short hex digest
// through whenever its length happened to also be alphanumeric-looking.
//
// Two matching records naming the same version with different hashes make
// the update ambiguous, whatever other versions the set holds and in
// whatever order the records come: SelectVersion reports that rather than
// guessing, since picking either hash silently would be indistinguishable
// from tampering. When no version is selected, the selected version and
// expected hash on st are cleared to "".
func SelectVersion(st *status.Status, records []string, software, buildtag string) (Selection, bool) {
	var best Selection
	haveBest := false
	var accepted []Selection

	for _, rec := range records {
		fields := strings.Split(rec, ":")
		if len(fields) != 4 {
			continue
		}
		recSoftware, recBuildtag, recVersion, recHash := fields[0], fields[1], fields[2], fields[3]
		if recSoftware != software || recBuildtag != buildtag {
			continue
		}
		if recVersion == "" {
			continue
		}
		if !validHash(recHash) {
			st.AddMessage(fmt.Sprintf("ignoring record with malformed hash for version %s", recVersion))
			continue
		}

		for _, prev := range accepted {
			if vercmp.Compare(prev.Version, recVersion) == 0 && prev.Hash != recHash {
				// Same version, different hash: this is exactly the
				// tamper-or-disagreement signal the scan must abort
				// on. The abort is permanent — no later record, no
				// matter how new, gets a chance to clear it.
				st.AddMessage(fmt.Sprintf("ambiguous update records for version %s: conflicting hashes", recVersion))
				st.SetSelectedVersion("")
				st.SetExpectedHash("")
				return Selection{}, false
			}
		}
		accepted = append(accepted, Selection{Version: recVersion, Hash: recHash})

		if !haveBest || vercmp.Compare(recVersion, best.Version) > 0 {
			best = Selection{Version: recVersion, Hash: recHash}
			haveBest = true
		}
	}

	if !haveBest {
		st.AddMessage("no update record found for this software and build tag")
		st.SetSelectedVersion("")
		st.SetExpectedHash("")
		return Selection{}, false
	}

	st.SetSelectedVersion(best.Version)
	st.SetExpectedHash(best.Hash)
	return best, true
}

func validHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// CompareToCurrent reports whether selected is newer than, equal to, or
// older than currentVersion, as a tristate: true means an update is
// available, false means selected is not newer (up to date or behind),
// and the caller distinguishes "behind" for the back-in-time state by
// comparing the raw vercmp result again.
func CompareToCurrent(selected, current string) tristate.State {
	if vercmp.Compare(selected, current) > 0 {
		return tristate.True
	}
	return tristate.False
}
