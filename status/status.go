// Package status holds the single shared, mutex-guarded record of
// update-verification progress, and publishes a change notification after
// every field mutation. It has no opinion about the pipeline itself; the
// driver and stages packages read and write it.
package status

import (
	"sync"

	"github.com/ironledger/updateverify/events"
	"github.com/ironledger/updateverify/fsm"
	"github.com/ironledger/updateverify/tristate"
)

const minValidGitianSigsDefault = 2

// Status is the shared record described in spec §3. All access goes
// through its methods, which hold mu for the duration of the field touch
// and publish the corresponding event only after the field is visible to
// readers, per the ordering guarantee in spec §5.
type Status struct {
	mu sync.Mutex

	bus *events.Bus

	state           fsm.State
	pendingNext     fsm.State
	dnsValid        tristate.State
	hashValid       tristate.State
	validSigs       uint32
	minValidSigs    uint32
	totalSigs       uint32
	processedSigs   uint32
	badSigFound     bool
	software        string
	buildtag        string
	currentVersion  string
	selectedVersion string
	expectedHash    string
	downloadPath    string
	messages        []string

	dnsDone         bool
	versionDone     bool
	pubkeysDone     bool
	pubkeysSuccess  bool
	gitianDone      bool
	gitianSuccess   bool
	downloadDone    bool
	downloadSuccess bool
}

// New creates a Status in state None, publishing nothing (there are no
// subscribers yet by construction). bus may be shared with other
// observers; it must not be nil.
func New(bus *events.Bus, software, buildtag, currentVersion string) *Status {
	return &Status{
		bus:            bus,
		state:          fsm.None,
		pendingNext:    fsm.None,
		software:       software,
		buildtag:       buildtag,
		currentVersion: currentVersion,
		minValidSigs:   minValidGitianSigsDefault,
	}
}

// Bus returns the event bus this Status publishes to, so callers can
// subscribe without reaching into the Driver.
func (s *Status) Bus() *events.Bus { return s.bus }

// --- state ---

// State returns the current committed state.
func (s *Status) State() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingNext returns the state the driver will transition to next.
func (s *Status) PendingNext() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingNext
}

// SetPendingNext records the state the driver should transition to on its
// next tick. It does not itself commit the transition or publish events;
// that happens in CommitState, so that "select" and "retryDownload" can run
// concurrently with the driver's own dispatch without racing the commit.
func (s *Status) SetPendingNext(next fsm.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingNext = next
}

// CommitState advances state to pendingNext if they differ, publishing
// stateChanged, stateOutcomeChanged and selectingChanged. It reports
// whether a transition actually happened.
func (s *Status) CommitState() (fsm.State, bool) {
	s.mu.Lock()
	if s.state == s.pendingNext {
		cur := s.state
		s.mu.Unlock()
		return cur, false
	}
	s.state = s.pendingNext
	next := s.state
	selecting := next == fsm.Init
	s.mu.Unlock()

	s.bus.Publish(events.StateChanged, next.Name())
	s.bus.Publish(events.StateOutcomeChanged, next.Outcome())
	s.bus.Publish(events.SelectingChanged, selecting)
	return next, true
}

// --- tri-state verdicts ---

// DNSValid returns the DNS quorum verdict.
func (s *Status) DNSValid() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dnsValid
}

// SetDNSValid sets the DNS quorum verdict and publishes dnsValidChanged.
func (s *Status) SetDNSValid(v tristate.State) {
	s.mu.Lock()
	s.dnsValid = v
	s.mu.Unlock()
	s.bus.Publish(events.DNSValidChanged, v)
}

// HashValid returns the hash-check verdict.
func (s *Status) HashValid() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashValid
}

// SetHashValid sets the hash-check verdict and publishes hashValidChanged.
func (s *Status) SetHashValid(v tristate.State) {
	s.mu.Lock()
	s.hashValid = v
	s.mu.Unlock()
	s.bus.Publish(events.HashValidChanged, v)
}

// --- Gitian signature counters ---

// ValidGitianSigs returns the count of accepted, quorum-eligible signatures.
func (s *Status) ValidGitianSigs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validSigs
}

// SetValidGitianSigs sets the valid-signature counter and publishes
// validGitianSigsChanged.
func (s *Status) SetValidGitianSigs(n uint32) {
	s.mu.Lock()
	s.validSigs = n
	s.mu.Unlock()
	s.bus.Publish(events.ValidGitianSigsChanged, n)
}

// MinValidGitianSigs returns the quorum threshold.
func (s *Status) MinValidGitianSigs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minValidSigs
}

// SetMinValidGitianSigs sets the quorum threshold and publishes
// minValidGitianSigsChanged.
func (s *Status) SetMinValidGitianSigs(n uint32) {
	s.mu.Lock()
	s.minValidSigs = n
	s.mu.Unlock()
	s.bus.Publish(events.MinValidGitianSigs, n)
}

// TotalGitianSigs returns how many attestation users were discovered.
func (s *Status) TotalGitianSigs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSigs
}

// SetTotalGitianSigs sets the discovered-user count and publishes
// totalGitianSigsChanged.
func (s *Status) SetTotalGitianSigs(n uint32) {
	s.mu.Lock()
	s.totalSigs = n
	s.mu.Unlock()
	s.bus.Publish(events.TotalGitianSigs, n)
}

// ProcessedGitianSigs returns how many attestation users have been
// examined so far.
func (s *Status) ProcessedGitianSigs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processedSigs
}

// SetProcessedGitianSigs sets the examined-user count and publishes
// processedGitianSigsChanged.
func (s *Status) SetProcessedGitianSigs(n uint32) {
	s.mu.Lock()
	s.processedSigs = n
	s.mu.Unlock()
	s.bus.Publish(events.ProcessedGitianSigs, n)
}

// BadGitianSignatureFound reports whether the sticky bad-signature flag is
// set for the current signature-quorum run.
func (s *Status) BadGitianSignatureFound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badSigFound
}

// SetBadGitianSignatureFound sets the sticky bad-signature flag. It is
// sticky within a single run of the signature-quorum stage: once true it
// is only cleared by ResetForInit or by ResetForGitianRun at the start of
// the next FetchGitianSigs pass.
func (s *Status) SetBadGitianSignatureFound(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badSigFound = v
}

// --- identity and selection ---

// Software returns the software identity currently in effect.
func (s *Status) Software() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.software
}

// SetSoftware sets the software identity, as selected via the Init command
// surface (spec §6 select()).
func (s *Status) SetSoftware(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.software = v
}

// Buildtag returns the build-platform tag.
func (s *Status) Buildtag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildtag
}

// SetBuildtag sets the build-platform tag, as selected via the Init
// command surface (spec §6 select()).
func (s *Status) SetBuildtag(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildtag = v
}

// CurrentVersion returns the version string the running program reports.
func (s *Status) CurrentVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentVersion
}

// SetCurrentVersion sets the version string the running program reports,
// as selected via the Init command surface (spec §6 select()).
func (s *Status) SetCurrentVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentVersion = v
}

// SelectedVersion returns the version chosen by the version-selection
// stage, or "" if none has been selected (or selection was ambiguous).
func (s *Status) SelectedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedVersion
}

// SetSelectedVersion sets the selected version and publishes versionChanged.
func (s *Status) SetSelectedVersion(v string) {
	s.mu.Lock()
	s.selectedVersion = v
	s.mu.Unlock()
	s.bus.Publish(events.VersionChanged, v)
}

// ExpectedHash returns the SHA-256 hex digest announced for the selected
// version.
func (s *Status) ExpectedHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedHash
}

// SetExpectedHash sets the announced digest. It does not publish an event
// of its own; it always changes alongside SetSelectedVersion.
func (s *Status) SetExpectedHash(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedHash = v
}

// DownloadPath returns the local temporary path the artifact is (or will
// be) downloaded to.
func (s *Status) DownloadPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadPath
}

// SetDownloadPath sets the local temporary download path.
func (s *Status) SetDownloadPath(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadPath = v
}

// --- message log ---

// AddMessage appends a line to the message log and publishes message.
func (s *Status) AddMessage(msg string) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.bus.Publish(events.Message, msg)
}

// Messages returns a snapshot copy of the message log.
func (s *Status) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

// --- per-stage done/success flags ---

// DNSDone reports whether the DNS quorum stage has returned.
func (s *Status) DNSDone() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.dnsDone }

// SetDNSDone sets the DNS quorum stage's done flag.
func (s *Status) SetDNSDone(v bool) { s.mu.Lock(); defer s.mu.Unlock(); s.dnsDone = v }

// VersionDone reports whether the version-selection stage has returned.
func (s *Status) VersionDone() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.versionDone }

// SetVersionDone sets the version-selection stage's done flag.
func (s *Status) SetVersionDone(v bool) { s.mu.Lock(); defer s.mu.Unlock(); s.versionDone = v }

// PubkeysDone reports whether the key-import stage has returned.
func (s *Status) PubkeysDone() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.pubkeysDone }

// PubkeysSuccess reports whether the key-import stage succeeded.
func (s *Status) PubkeysSuccess() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.pubkeysSuccess }

// SetPubkeysResult sets the key-import stage's done/success flags.
func (s *Status) SetPubkeysResult(done, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubkeysDone, s.pubkeysSuccess = done, success
}

// GitianDone reports whether the signature-quorum stage has returned.
func (s *Status) GitianDone() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.gitianDone }

// GitianSuccess reports whether the signature-quorum stage succeeded.
func (s *Status) GitianSuccess() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.gitianSuccess }

// SetGitianResult sets the signature-quorum stage's done/success flags.
func (s *Status) SetGitianResult(done, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gitianDone, s.gitianSuccess = done, success
}

// DownloadDone reports whether the download stage has returned.
func (s *Status) DownloadDone() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.downloadDone }

// DownloadSuccess reports whether the download stage succeeded.
func (s *Status) DownloadSuccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadSuccess
}

// SetDownloadResult sets the download stage's done/success flags and
// publishes downloadFinished. success is meaningful only once done is true.
func (s *Status) SetDownloadResult(done, success bool) {
	s.mu.Lock()
	s.downloadDone, s.downloadSuccess = done, success
	s.mu.Unlock()
	if done {
		s.bus.Publish(events.DownloadFinished, success)
	}
}

// PublishDownloadStarted publishes downloadStarted.
func (s *Status) PublishDownloadStarted() { s.bus.Publish(events.DownloadStarted, nil) }

// PublishDownloadProgress publishes downloadProgress(done,total).
func (s *Status) PublishDownloadProgress(done, total int64) {
	s.bus.Publish(events.DownloadProgress, [2]int64{done, total})
}

// PublishValidUpdateReady publishes validUpdateReady(path).
func (s *Status) PublishValidUpdateReady(path string) {
	s.bus.Publish(events.ValidUpdateReady, path)
}

// ResetForInit clears the per-run fields the way the source's StateInit
// entry action does, ahead of a fresh QueryDNS -> ... pipeline run.
func (s *Status) ResetForInit() {
	s.mu.Lock()
	s.dnsDone = false
	s.versionDone = false
	s.badSigFound = false
	s.mu.Unlock()

	s.SetDNSValid(tristate.Unknown)
	s.SetHashValid(tristate.Unknown)
	s.SetValidGitianSigs(0)
	s.SetMinValidGitianSigs(0)
}

// ResetForGitianRun clears the signature-quorum run's counters ahead of a
// fresh FetchGitianSigs -> VerifyGitianSignatures pass.
func (s *Status) ResetForGitianRun() {
	s.mu.Lock()
	s.gitianDone = false
	s.gitianSuccess = false
	s.badSigFound = false
	s.mu.Unlock()

	s.SetTotalGitianSigs(0)
	s.SetProcessedGitianSigs(0)
	s.SetValidGitianSigs(0)
	s.SetMinValidGitianSigs(minValidGitianSigsDefault)
}
