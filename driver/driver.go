// Package driver runs the background worker that drives the FSM
// described in fsm.go through the verification pipeline's stages (spec
// §4.8). It owns no state of its own beyond bookkeeping for the
// currently-dispatched stage and the in-flight download handle; the
// authoritative state lives in status.Status.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ironledger/updateverify/adapters"
	"github.com/ironledger/updateverify/fsm"
	"github.com/ironledger/updateverify/stages"
	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/trust"
	"github.com/ironledger/updateverify/vercmp"
)

// pollInterval is how often Run checks for a committed state transition
// to dispatch, mirroring the 20ms poll loop this design is modeled on.
const pollInterval = 20 * time.Millisecond

// Deps bundles every collaborator the driver needs to carry the pipeline
// forward. Tests construct this with hand-written fakes; production
// wiring constructs it with the adapters package's concrete types.
type Deps struct {
	Resolver   stages.DNSResolver
	Fetcher    stages.HTTPFetcher
	Downloader stages.Downloader
	Hasher     stages.Hasher
	Engine     stages.SignatureEngine
	URLBuilder stages.URLBuilder

	Domains  []string
	Manifest *trust.Manifest

	GPGHomeDir          string
	DownloadDir         string
	AttestationIndexURL string
	AttestationRawURL   string
}

// Driver owns the FSM dispatch loop. Construct with New and run with Run
// from inside an errgroup alongside any other long-lived goroutines; Run
// returns when ctx is canceled.
type Driver struct {
	st   *status.Status
	deps Deps

	mu             sync.Mutex
	dispatched     fsm.State
	activeDownload stages.Download
	owners         map[string]string
	gitianUsers    []string
	stageWG        sync.WaitGroup
}

// New creates a Driver bound to st. It does not start the poll loop;
// call Run for that.
func New(st *status.Status, deps Deps) *Driver {
	return &Driver{st: st, deps: deps, dispatched: fsm.None}
}

// Select requests a transition to the Init state for a new
// software/buildtag/version identity (spec §6 select()). It is safe to
// call from any goroutine, including while a pipeline run is already in
// progress: the currently-dispatched stage observes ctx cancellation or
// simply finishes and is superseded once Init's reset runs.
func (d *Driver) Select(software, buildtag, currentVersion string) {
	d.st.SetSoftware(software)
	d.st.SetBuildtag(buildtag)
	d.st.SetCurrentVersion(currentVersion)
	d.st.SetPendingNext(fsm.Init)
}

// RetryDownload requests a transition back to Download. It only has an
// effect when the FSM is currently in DownloadFailed, matching spec §4.6's
// retry-only-from-DownloadFailed rule.
func (d *Driver) RetryDownload() error {
	if d.st.State() != fsm.DownloadFailed {
		return fmt.Errorf("retry download: not in DownloadFailed state")
	}
	d.st.SetPendingNext(fsm.Download)
	return nil
}

// Run executes the poll loop until ctx is canceled, at which point any
// active download is canceled and Run waits for in-flight stage
// goroutines to return before returning itself, so no stage can publish
// an event after shutdown has begun.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			dl := d.activeDownload
			d.mu.Unlock()
			if dl != nil {
				dl.Cancel()
				dl.Wait()
			}
			d.stageWG.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	d.st.CommitState()

	current := d.st.State()

	d.mu.Lock()
	already := d.dispatched == current
	if !already {
		d.dispatched = current
	}
	d.mu.Unlock()
	if already {
		return
	}

	d.dispatchStage(ctx, current)
}

// dispatchStage spawns the blocking work a newly-entered state requires,
// per the "lock, snapshot, unlock, blocking I/O, lock, publish" shape
// used throughout this pipeline: the goroutine never holds Status's lock
// across I/O, and always checks ctx before scheduling the next
// transition, so a canceled run can never schedule a transition past the
// point shutdown began.
func (d *Driver) dispatchStage(ctx context.Context, state fsm.State) {
	switch state {
	case fsm.Init:
		d.runStage(ctx, d.stageInit)
	case fsm.QueryDNS:
		d.runStage(ctx, d.stageQueryDNS)
	case fsm.CheckVersion:
		d.runStage(ctx, d.stageCheckVersion)
	case fsm.ImportPubkeys:
		d.runStage(ctx, d.stageImportPubkeys)
	case fsm.FetchGitianSigs:
		d.runStage(ctx, d.stageFetchGitianSigs)
	case fsm.VerifyGitianSignatures:
		d.runStage(ctx, d.stageVerifyGitianSignatures)
	case fsm.Download:
		d.runStage(ctx, d.stageStartDownload)
	case fsm.CheckHash:
		d.runStage(ctx, d.stageCheckHash)
	default:
		// Terminal and purely-informational states (UpToDate,
		// BackInTime, NoUpdateInfoFound, DNSFailed,
		// PubkeyImportFailed, NoGitianSigs, NotEnoughGitianSigs,
		// BadGitianSigs, BadHash, DownloadFailed, ValidUpdate, None)
		// require no driver action; they wait for Select or
		// RetryDownload.
	}
}

func (d *Driver) runStage(ctx context.Context, fn func(ctx context.Context)) {
	d.stageWG.Add(1)
	go func() {
		defer d.stageWG.Done()
		fn(ctx)
	}()
}

func (d *Driver) stageInit(ctx context.Context) {
	d.st.ResetForInit()
	if ctx.Err() != nil {
		return
	}
	d.st.SetPendingNext(fsm.QueryDNS)
}

func (d *Driver) stageQueryDNS(ctx context.Context) {
	result := stages.QueryDomains(ctx, d.st, d.deps.Resolver, d.deps.Domains)
	d.st.SetDNSDone(true)
	if ctx.Err() != nil {
		return
	}
	if !result.Quorum {
		d.st.SetPendingNext(fsm.DNSFailed)
		return
	}

	stages.SelectVersion(d.st, result.Records, d.st.Software(), d.st.Buildtag())
	d.st.SetVersionDone(true)
	d.st.SetPendingNext(fsm.CheckVersion)
}

// stageCheckVersion compares the already-selected version against the
// running program's current version. The split between QueryDNS (which
// also runs selection, since the DNS response and the candidate records
// are only available there) and CheckVersion mirrors the FSM's own state
// split: CheckVersion is where the no-update-info/up-to-date/back-in-time
// verdict is made visible.
func (d *Driver) stageCheckVersion(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	selected := d.st.SelectedVersion()
	if selected == "" {
		d.st.SetPendingNext(fsm.NoUpdateInfoFound)
		return
	}
	current := d.st.CurrentVersion()

	cmp := vercmp.Compare(selected, current)
	switch {
	case cmp == 0:
		d.st.SetPendingNext(fsm.UpToDate)
	case cmp < 0:
		d.st.SetPendingNext(fsm.BackInTime)
	default:
		d.st.SetPendingNext(fsm.ImportPubkeys)
	}
}

func (d *Driver) stageImportPubkeys(ctx context.Context) {
	owners, err := stages.ImportTrustedKeys(d.st, d.deps.Engine, d.deps.GPGHomeDir, d.deps.Manifest)
	if err != nil {
		d.st.SetPubkeysResult(true, false)
		_ = d.deps.Engine.Close()
		if ctx.Err() == nil {
			d.st.SetPendingNext(fsm.PubkeyImportFailed)
		}
		return
	}

	d.mu.Lock()
	d.owners = owners
	d.mu.Unlock()

	d.st.SetPubkeysResult(true, true)
	if ctx.Err() != nil {
		return
	}
	d.st.SetPendingNext(fsm.FetchGitianSigs)
}

// stageFetchGitianSigs discovers which maintainers filed a build
// assertion for this release and, only if at least one was found,
// transitions to VerifyGitianSignatures to actually check their
// signatures — the only two edges the FSM's transition table allows out
// of FetchGitianSigs.
func (d *Driver) stageFetchGitianSigs(ctx context.Context) {
	users, err := stages.DiscoverGitianSigners(ctx, d.st, d.deps.Fetcher, d.deps.AttestationIndexURL, d.st.Buildtag(), d.st.SelectedVersion())
	if ctx.Err() != nil {
		return
	}
	if err != nil || len(users) == 0 {
		_ = d.deps.Engine.Close()
		d.st.SetPendingNext(fsm.NoGitianSigs)
		return
	}

	d.mu.Lock()
	d.gitianUsers = users
	d.mu.Unlock()

	d.st.SetPendingNext(fsm.VerifyGitianSignatures)
}

// stageVerifyGitianSignatures verifies the signatures of the maintainers
// stageFetchGitianSigs already discovered. Splitting discovery from
// verification this way is what lets VerifyGitianSignatures actually be
// committed and observed as its own FSM state, rather than being a label
// on work that silently happens inside FetchGitianSigs.
func (d *Driver) stageVerifyGitianSignatures(ctx context.Context) {
	d.mu.Lock()
	owners := d.owners
	users := d.gitianUsers
	d.mu.Unlock()

	minValidSigs := uint32(0)
	if d.deps.Manifest != nil {
		minValidSigs = uint32(d.deps.Manifest.MinValidSigs)
	}

	subchannel := adapters.SubChannel(d.st.Software(), d.st.Buildtag())
	result := stages.VerifyGitianSignatures(ctx, d.st, d.deps.Fetcher, d.deps.Engine, d.deps.URLBuilder, owners, users,
		d.deps.AttestationRawURL, d.st.Software(), subchannel, d.st.Buildtag(), d.st.SelectedVersion(), minValidSigs)
	_ = d.deps.Engine.Close()

	if ctx.Err() != nil {
		return
	}

	switch {
	case result.BadSigs:
		d.st.SetPendingNext(fsm.BadGitianSigs)
	case !result.Success:
		d.st.SetPendingNext(fsm.NotEnoughGitianSigs)
	default:
		d.st.SetPendingNext(fsm.Download)
	}
}

func (d *Driver) stageStartDownload(ctx context.Context) {
	subchannel := adapters.SubChannel(d.st.Software(), d.st.Buildtag())

	dl, err := stages.StartDownload(ctx, d.st, d.deps.Downloader, d.deps.URLBuilder, d.deps.DownloadDir, subchannel, func(success bool) {
		if success {
			d.st.SetPendingNext(fsm.CheckHash)
		} else {
			d.st.SetPendingNext(fsm.DownloadFailed)
		}
	})
	if err != nil {
		d.st.SetDownloadResult(true, false)
		if ctx.Err() == nil {
			d.st.SetPendingNext(fsm.DownloadFailed)
		}
		return
	}

	d.mu.Lock()
	d.activeDownload = dl
	d.mu.Unlock()
}

func (d *Driver) stageCheckHash(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ok := stages.CheckHash(d.st, d.deps.Hasher, d.st.DownloadPath())
	if ctx.Err() != nil {
		return
	}
	if ok {
		d.st.SetPendingNext(fsm.ValidUpdate)
	} else {
		d.st.SetPendingNext(fsm.BadHash)
	}
}
