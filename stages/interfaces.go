// Package stages implements the verification pipeline's individual steps
// (spec §4.2–§4.7): DNS quorum, version selection, trust-key import,
// Gitian-style signature quorum, download, and hash check. Each stage is a
// plain function over a *status.Status and a narrow collaborator
// interface, so the driver can wire real adapters in production and tests
// can wire hand-written fakes.
package stages

import (
	"context"

	"github.com/ironledger/updateverify/tristate"
)

// DNSResolver is the collaborator interface for adapters.Resolver.
type DNSResolver interface {
	TXTQuery(ctx context.Context, host string) (records []string, available, valid bool, err error)
}

// HTTPFetcher is the collaborator interface for adapters.HTTPFetcher's
// synchronous fetch.
type HTTPFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Downloader is the collaborator interface for adapters.HTTPFetcher's
// async download.
type Downloader interface {
	DownloadAsync(ctx context.Context, path, url string, onProgress func(done, total int64), onResult func(success bool)) Download
}

// Download is the cancelable handle a Downloader hands back.
type Download interface {
	Cancel()
	Wait()
}

// Hasher is the collaborator interface for adapters.Hasher.
type Hasher interface {
	SHA256File(path string) (string, error)
}

// SignatureEngine is the collaborator interface for adapters.PGPEngine.
type SignatureEngine interface {
	Init(homeDir string) error
	ImportKey(armored []byte) (fingerprint string, err error)
	TrustGood(fingerprint string) error
	VerifyDetached(contents, sig []byte) (fingerprint string, verdict tristate.State, err error)
	Close() error
}

// URLBuilder is the collaborator interface for adapters.URLBuilder.
type URLBuilder interface {
	BuildUpdateURL(software, subchannel, buildtag, version string) (string, error)
}
