package stages

import (
	"context"
	"fmt"

	"github.com/ironledger/updateverify/tristate"
)

// fakeResolver answers TXTQuery from a canned per-domain table.
type fakeResolver struct {
	responses map[string]fakeTXTResponse
}

type fakeTXTResponse struct {
	records   []string
	available bool
	valid     bool
	err       error
}

func (f *fakeResolver) TXTQuery(ctx context.Context, host string) ([]string, bool, bool, error) {
	resp, ok := f.responses[host]
	if !ok {
		return nil, false, false, nil
	}
	return resp.records, resp.available, resp.valid, resp.err
}

// fakeFetcher answers Fetch from a canned per-URL table.
type fakeFetcher struct {
	responses map[string][]byte
	errs      map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	data, ok := f.responses[url]
	if !ok {
		return nil, fmt.Errorf("fake fetcher: no response stubbed for %s", url)
	}
	return data, nil
}

// fakeEngine maps (contents,sig) pairs to canned verdicts by sig value,
// since tests drive the pairing rather than real cryptography.
type fakeEngine struct {
	initErr  error
	imports  map[string]string // armored key -> fingerprint
	verdicts map[string]fakeVerdict
}

type fakeVerdict struct {
	fingerprint string
	verdict     tristate.State
	err         error
}

func (f *fakeEngine) Init(homeDir string) error { return f.initErr }
func (f *fakeEngine) Close() error              { return nil }

func (f *fakeEngine) ImportKey(armored []byte) (string, error) {
	fp, ok := f.imports[string(armored)]
	if !ok {
		return "", fmt.Errorf("fake engine: no import stubbed")
	}
	return fp, nil
}

func (f *fakeEngine) TrustGood(fingerprint string) error { return nil }

func (f *fakeEngine) VerifyDetached(contents, sig []byte) (string, tristate.State, error) {
	v, ok := f.verdicts[string(sig)]
	if !ok {
		return "", tristate.Unknown, fmt.Errorf("fake engine: no verdict stubbed for signature")
	}
	return v.fingerprint, v.verdict, v.err
}

// fakeHasher answers SHA256File from a canned per-path table.
type fakeHasher struct {
	hashes map[string]string
	err    error
}

func (f *fakeHasher) SHA256File(path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.hashes[path], nil
}
