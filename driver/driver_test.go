package driver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ironledger/updateverify/events"
	"github.com/ironledger/updateverify/fsm"
	"github.com/ironledger/updateverify/stages"
	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/tristate"
	"github.com/ironledger/updateverify/trust"
)

var testDomains = []string{"d1.example.com", "d2.example.com", "d3.example.com", "d4.example.com"}

func hash64(fill byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = fill
	}
	return string(b)
}

// --- fakes for the stages collaborator interfaces ---

type fakeResolver struct {
	records []string
}

func (f *fakeResolver) TXTQuery(ctx context.Context, host string) ([]string, bool, bool, error) {
	return f.records, true, true, nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.responses[url]
	if !ok {
		return nil, fmt.Errorf("no fake response for %s", url)
	}
	return data, nil
}

type fakeDownload struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (d *fakeDownload) Cancel() { d.cancel() }
func (d *fakeDownload) Wait()   { <-d.done }

// fakeDownloader completes immediately with the configured outcome unless
// hang is set, in which case it blocks until its handle is canceled and
// never calls onResult — simulating a download still in flight when
// shutdown begins.
type fakeDownloader struct {
	success bool
	hang    bool
}

func (f *fakeDownloader) DownloadAsync(ctx context.Context, path, url string, onProgress func(done, total int64), onResult func(success bool)) stages.Download {
	dlCtx, cancel := context.WithCancel(ctx)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		if onProgress != nil {
			onProgress(100, 100)
		}
		if f.hang {
			<-dlCtx.Done()
			return
		}
		onResult(f.success)
	}()
	return &fakeDownload{cancel: cancel, done: doneCh}
}

type fakeHasher struct {
	hash string
	err  error
}

func (f *fakeHasher) SHA256File(path string) (string, error) {
	return f.hash, f.err
}

type fakeURLBuilder struct{}

func (fakeURLBuilder) BuildUpdateURL(software, subchannel, buildtag, version string) (string, error) {
	return "https://dl.example.com/" + subchannel + "/" + software + "-" + buildtag + "-v" + version, nil
}

// fakeEngine recognizes exactly one armored key/fingerprint pair and
// returns a fixed verdict for every signature it is asked to verify.
type fakeEngine struct {
	fingerprint string
	verdict     tristate.State
}

func (f *fakeEngine) Init(homeDir string) error { return nil }
func (f *fakeEngine) Close() error              { return nil }
func (f *fakeEngine) ImportKey(armored []byte) (string, error) {
	return f.fingerprint, nil
}
func (f *fakeEngine) TrustGood(fingerprint string) error { return nil }
func (f *fakeEngine) VerifyDetached(contents, sig []byte) (string, tristate.State, error) {
	return f.fingerprint, f.verdict, nil
}

func newDriverAndStatus() (*Driver, *status.Status, *fakeFetcher, *fakeDownloader, *fakeHasher, *fakeEngine) {
	bus := events.New()
	st := status.New(bus, "testcoin", "linux64", "1.2.0")

	manifest := &trust.Manifest{
		MinValidSigs: 1,
		Keys:         []trust.Key{{Owner: "alice", PublicKey: "key-a"}},
	}

	fetcher := &fakeFetcher{responses: map[string][]byte{}}
	downloader := &fakeDownloader{success: true}
	hasher := &fakeHasher{}
	engine := &fakeEngine{fingerprint: "FP-ALICE", verdict: tristate.True}

	d := New(st, Deps{
		Resolver:            &fakeResolver{},
		Fetcher:             fetcher,
		Downloader:          downloader,
		Hasher:              hasher,
		Engine:              engine,
		URLBuilder:          fakeURLBuilder{},
		Domains:             testDomains,
		Manifest:            manifest,
		GPGHomeDir:          "/tmp/updateverify-test-gpg",
		DownloadDir:         "/tmp",
		AttestationIndexURL: "https://index.example.com",
		AttestationRawURL:   "https://raw.example.com",
	})
	return d, st, fetcher, downloader, hasher, engine
}

// attestationResponses builds the index page and per-user assert/sig
// fixtures the Gitian discovery and verification stages expect for the
// given version, with alice's assertion binding hash to the canonical
// artifact filename fakeURLBuilder would compute — the hash-binding
// check requires this to line up, or alice's signature (however
// cryptographically valid) won't count toward quorum.
func attestationResponses(version, hash string) map[string][]byte {
	const buildtag = "linux64" // no entry in the build-platform table: passes through unchanged
	dir := fmt.Sprintf("v%s-%s", version, buildtag)
	short := version
	if len(short) > 4 {
		short = short[:4]
	}
	assertName := fmt.Sprintf("testcoin-%s-%s-build.assert", buildtag, short)
	assertURL := fmt.Sprintf("https://raw.example.com/%s/alice/%s", dir, assertName)
	artifactFilename := fmt.Sprintf("testcoin-%s-v%s", buildtag, version)

	return map[string][]byte{
		fmt.Sprintf("https://index.example.com/%s", dir): []byte(`<a href="alice/">alice</a>`),
		assertURL:          []byte(hash + "  " + artifactFilename + "\n"),
		assertURL + ".sig": []byte("sig-data"),
	}
}

func waitForState(t *testing.T, st *status.Status, want fsm.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last state was %s", want, st.State())
}

func runDriver(t *testing.T, d *Driver) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return cancel, done
}

func TestDriverVisitsVerifyGitianSignaturesBeforeDownload(t *testing.T) {
	d, st, fetcher, _, hasher, _ := newDriverAndStatus()
	records := []string{"testcoin:linux64:1.3.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}
	for k, v := range attestationResponses("1.3.0", hash64('a')) {
		fetcher.responses[k] = v
	}
	hasher.hash = hash64('a')

	sub, unsubscribe := st.Bus().Subscribe()
	defer unsubscribe()
	var seenStates []string
	var mu sync.Mutex
	go func() {
		for ev := range sub {
			if ev.Name == events.StateChanged {
				mu.Lock()
				seenStates = append(seenStates, ev.Payload.(string))
				mu.Unlock()
			}
		}
	}()

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.ValidUpdate)

	mu.Lock()
	defer mu.Unlock()
	verifyIdx, downloadIdx := -1, -1
	for i, name := range seenStates {
		switch name {
		case fsm.VerifyGitianSignatures.Name():
			verifyIdx = i
		case fsm.Download.Name():
			if downloadIdx == -1 {
				downloadIdx = i
			}
		}
	}
	if verifyIdx == -1 {
		t.Fatalf("driver never committed the VerifyGitianSignatures state, saw %v", seenStates)
	}
	if downloadIdx == -1 || downloadIdx < verifyIdx {
		t.Fatalf("VerifyGitianSignatures must be committed before Download, saw %v", seenStates)
	}
}

func TestDriverHappyPath(t *testing.T) {
	d, st, fetcher, _, hasher, _ := newDriverAndStatus()
	records := []string{"testcoin:linux64:1.3.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}
	for k, v := range attestationResponses("1.3.0", hash64('a')) {
		fetcher.responses[k] = v
	}
	hasher.hash = hash64('a')

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")

	waitForState(t, st, fsm.ValidUpdate)
	if st.SelectedVersion() != "1.3.0" {
		t.Errorf("SelectedVersion() = %q, want 1.3.0", st.SelectedVersion())
	}
}

func TestDriverVersionRegression(t *testing.T) {
	d, st, _, _, _, _ := newDriverAndStatus()
	records := []string{"testcoin:linux64:1.0.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.BackInTime)
}

func TestDriverAmbiguousRecordYieldsNoUpdateInfo(t *testing.T) {
	d, st, _, _, _, _ := newDriverAndStatus()
	records := []string{
		"testcoin:linux64:1.3.0:" + hash64('a'),
		"testcoin:linux64:1.3.0:" + hash64('b'),
	}
	d.deps.Resolver = &fakeResolver{records: records}

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.NoUpdateInfoFound)
}

func TestDriverBadSignatureFailsClosed(t *testing.T) {
	d, st, fetcher, _, _, engine := newDriverAndStatus()
	records := []string{"testcoin:linux64:1.3.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}
	for k, v := range attestationResponses("1.3.0", hash64('a')) {
		fetcher.responses[k] = v
	}
	engine.verdict = tristate.False

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.BadGitianSigs)
}

func TestDriverQuorumShortfall(t *testing.T) {
	d, st, fetcher, _, _, _ := newDriverAndStatus()
	d.deps.Manifest.MinValidSigs = 2 // only one attesting user is ever returned
	records := []string{"testcoin:linux64:1.3.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}
	for k, v := range attestationResponses("1.3.0", hash64('a')) {
		fetcher.responses[k] = v
	}

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.NotEnoughGitianSigs)
}

func TestDriverHashMismatch(t *testing.T) {
	d, st, fetcher, _, hasher, _ := newDriverAndStatus()
	records := []string{"testcoin:linux64:1.3.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}
	for k, v := range attestationResponses("1.3.0", hash64('a')) {
		fetcher.responses[k] = v
	}
	hasher.hash = hash64('b') // does not match the announced hash64('a')

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.BadHash)

	if err := d.RetryDownload(); err == nil {
		t.Error("RetryDownload from BadHash should be rejected, it is only valid from DownloadFailed")
	}
}

func TestDriverRetryAfterDownloadFailure(t *testing.T) {
	d, st, fetcher, downloader, hasher, _ := newDriverAndStatus()
	records := []string{"testcoin:linux64:1.3.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}
	for k, v := range attestationResponses("1.3.0", hash64('a')) {
		fetcher.responses[k] = v
	}
	downloader.success = false

	cancel, done := runDriver(t, d)
	defer func() { cancel(); <-done }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.DownloadFailed)

	downloader.success = true
	hasher.hash = hash64('a')
	if err := d.RetryDownload(); err != nil {
		t.Fatalf("RetryDownload() error = %v", err)
	}

	waitForState(t, st, fsm.ValidUpdate)
}

func TestDriverGracefulShutdownWaitsForInFlightDownload(t *testing.T) {
	d, st, fetcher, downloader, _, _ := newDriverAndStatus()
	records := []string{"testcoin:linux64:1.3.0:" + hash64('a')}
	d.deps.Resolver = &fakeResolver{records: records}
	for k, v := range attestationResponses("1.3.0", hash64('a')) {
		fetcher.responses[k] = v
	}
	downloader.hang = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Select("testcoin", "linux64", "1.2.0")
	waitForState(t, st, fsm.Download)

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
