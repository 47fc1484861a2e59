// Package fsm enumerates the update-verification states and the outcome
// class each one carries for UI summarization. The transition rules
// themselves live in the driver package, next to the stage dispatch they
// drive — this package only owns the vocabulary.
package fsm

import "github.com/ironledger/updateverify/tristate"

// State is one node of the update-verification state machine.
type State int

// The full state vocabulary.
const (
	None State = iota
	Init
	QueryDNS
	DNSFailed
	CheckVersion
	UpToDate
	BackInTime
	NoUpdateInfoFound
	Download
	DownloadFailed
	CheckHash
	BadHash
	ImportPubkeys
	PubkeyImportFailed
	FetchGitianSigs
	VerifyGitianSignatures
	NoGitianSigs
	NotEnoughGitianSigs
	BadGitianSigs
	ValidUpdate
)

type info struct {
	name    string
	outcome tristate.State
}

var states = map[State]info{
	None:                   {"None", tristate.Unknown},
	Init:                   {"Initializing", tristate.Unknown},
	QueryDNS:               {"Querying DNS", tristate.Unknown},
	DNSFailed:              {"DNS check failed", tristate.False},
	CheckVersion:           {"Checking version", tristate.Unknown},
	UpToDate:               {"We are up to date", tristate.True},
	BackInTime:             {"Only old versions found", tristate.True},
	NoUpdateInfoFound:      {"No update information found", tristate.False},
	Download:               {"Downloading update", tristate.Unknown},
	DownloadFailed:         {"Download failed", tristate.False},
	CheckHash:              {"Checking hash", tristate.Unknown},
	BadHash:                {"Invalid hash", tristate.False},
	ImportPubkeys:          {"Importing public keys", tristate.Unknown},
	PubkeyImportFailed:     {"Failed to import public keys", tristate.False},
	FetchGitianSigs:        {"Fetching Gitian signatures", tristate.Unknown},
	VerifyGitianSignatures: {"Verifying Gitian signatures", tristate.Unknown},
	NoGitianSigs:           {"No Gitian signatures found", tristate.False},
	NotEnoughGitianSigs:    {"Not enough matching Gitian signatures found", tristate.False},
	BadGitianSigs:          {"At least one Gitian signature was invalid", tristate.False},
	ValidUpdate:            {"Valid update downloaded and verified", tristate.True},
}

// Name returns the display name of a state.
func (s State) Name() string {
	if i, ok := states[s]; ok {
		return i.name
	}
	return "Unknown"
}

// Outcome returns the outcome class of a state, for UI summarization.
func (s State) Outcome() tristate.State {
	if i, ok := states[s]; ok {
		return i.outcome
	}
	return tristate.Unknown
}

// Terminal reports whether a state has no outgoing transition other than
// the explicit DownloadFailed -> Download retry edge.
func (s State) Terminal() bool {
	switch s {
	case UpToDate, BackInTime, NoUpdateInfoFound, DNSFailed, PubkeyImportFailed,
		NoGitianSigs, NotEnoughGitianSigs, BadGitianSigs, DownloadFailed, BadHash, ValidUpdate:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s State) String() string {
	return s.Name()
}
