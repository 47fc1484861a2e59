package stages

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/tristate"
)

// userTokenPattern matches the short per-maintainer directory names an
// attestation index page links to: at most 20 characters of the set a
// VCS host allows in a username.
var userTokenPattern = regexp.MustCompile(`href="([A-Za-z0-9_-]{1,20})/?"`)

// buildPlatformTags maps a DNS build tag to the Gitian build-platform
// triplet the release process files the canonical artifact under (spec
// §4.5 step 4). A build tag with no entry here passes through unchanged.
var buildPlatformTags = map[string]string{
	"linux-x64":   "x86_64-linux-gnu",
	"linux-x32":   "i686-linux-gnu",
	"win-x64":     "x86_64-w64-mingw32",
	"win-x32":     "i686-w64-mingw32",
	"freebsd":     "x86_64-unknown-freebsd",
	"mac-x64":     "x86_64-apple-darwin11",
	"linux-armv7": "arm-linux-gnueabihf",
	"linux-armv8": "aarch64-linux-gnu",
}

func buildPlatformTag(buildtag string) string {
	if tag, ok := buildPlatformTags[buildtag]; ok {
		return tag
	}
	return buildtag
}

// PlatformGitianTag derives the short platform token Gitian attestation
// directories and filenames are keyed by: the prefix of buildtag before
// its first '-', with "mac" mapped to "osx" (spec §4.5 step 1). This is
// distinct from buildPlatformTag, which maps to the full build-platform
// triplet used only for the canonical artifact URL.
func PlatformGitianTag(buildtag string) string {
	platform := buildtag
	if idx := strings.IndexByte(platform, '-'); idx >= 0 {
		platform = platform[:idx]
	}
	if platform == "mac" {
		return "osx"
	}
	return platform
}

// SignatureResult is the outcome of a full signature-quorum run.
type SignatureResult struct {
	Total   uint32
	Valid   uint32
	BadSigs bool
	Success bool
}

// DiscoverGitianSigners fetches the attestation index for version and
// buildtag's platform and scrapes the maintainer handles it links to
// (spec §4.5 steps 1-3). It resets the per-run Gitian counters but does
// not verify anything: that is VerifyGitianSignatures' job, dispatched
// separately once the FSM has actually committed to VerifyGitianSignatures
// so observers see that state before the (potentially slow) per-user
// verification loop runs.
func DiscoverGitianSigners(ctx context.Context, st *status.Status, fetcher HTTPFetcher, indexBaseURL, buildtag, version string) ([]string, error) {
	st.ResetForGitianRun()

	platform := PlatformGitianTag(buildtag)
	dir := fmt.Sprintf("v%s-%s", version, platform)

	indexURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(indexBaseURL, "/"), dir)
	page, err := fetcher.Fetch(ctx, indexURL)
	if err != nil {
		st.AddMessage(fmt.Sprintf("failed to fetch attestation index: %v", err))
		st.SetGitianResult(true, false)
		return nil, err
	}

	users := scrapeUserTokens(string(page))
	st.SetTotalGitianSigs(uint32(len(users)))
	return users, nil
}

// VerifyGitianSignatures verifies each discovered maintainer's detached
// signature over their build assertion with engine and, for every
// signature that is cryptographically valid and comes from a trusted,
// not-yet-seen key, binds it to the announced artifact hash before
// letting it count toward quorum (spec §4.5 steps 4-6).
//
// The hash-binding check is what ties a maintainer's signature to this
// specific artifact rather than to "some assertion file somewhere": the
// assertion is grepped for a checksum line naming the canonical
// artifact's filename, and that checksum must equal the hash already
// announced over DNS. A signature that verifies but whose hash doesn't
// bind, or doesn't bind at all, is discarded and never marks its
// fingerprint seen — a later, correctly-bound signature from the same
// key still counts.
//
// A signature that verifies but whose key isn't in owners is logged and
// ignored, not counted as bad: it simply isn't trusted, which is
// different from being forged. A signature that fails cryptographic
// verification sets the sticky bad-signature flag, which fails the run
// closed even if enough other signatures would otherwise reach quorum —
// an attacker should not be able to bury one forged attestation among
// enough genuine ones to pass.
func VerifyGitianSignatures(ctx context.Context, st *status.Status, fetcher HTTPFetcher, engine SignatureEngine, urlBuilder URLBuilder, owners map[string]string, users []string, rawBaseURL, software, subchannel, buildtag, version string, minValidSigs uint32) SignatureResult {
	if minValidSigs > 0 {
		st.SetMinValidGitianSigs(minValidSigs)
	}

	platform := PlatformGitianTag(buildtag)
	dir := fmt.Sprintf("v%s-%s", version, platform)
	shortVersion := version
	if len(shortVersion) > 4 {
		shortVersion = shortVersion[:4]
	}

	artifactFilename, err := canonicalArtifactFilename(urlBuilder, software, subchannel, buildtag, version)
	if err != nil {
		st.AddMessage(fmt.Sprintf("cannot determine canonical artifact filename: %v", err))
	}
	hashPattern := hashBindingPattern(artifactFilename)

	seenFingerprints := make(map[string]bool)
	var valid uint32
	for i, user := range users {
		assertName := fmt.Sprintf("%s-%s-%s-build.assert", software, platform, shortVersion)
		base := fmt.Sprintf("%s/%s/%s/%s", strings.TrimSuffix(rawBaseURL, "/"), dir, user, assertName)

		assertData, aerr := fetcher.Fetch(ctx, base)
		sigData, serr := fetcher.Fetch(ctx, base+".sig")
		st.SetProcessedGitianSigs(uint32(i + 1))

		if aerr != nil || serr != nil {
			st.AddMessage(fmt.Sprintf("could not fetch assertion/signature for %s", user))
			continue
		}

		fingerprint, verdict, verr := engine.VerifyDetached(assertData, sigData)
		if verr != nil {
			st.AddMessage(fmt.Sprintf("error verifying signature from %s: %v", user, verr))
			continue
		}

		switch verdict {
		case tristate.True:
			owner, trusted := owners[fingerprint]
			switch {
			case trusted && !seenFingerprints[fingerprint]:
				hash, found := extractBoundHash(string(assertData), hashPattern)
				switch {
				case !found:
					st.AddMessage(fmt.Sprintf("assertion from %s (%s) does not bind a hash to %s, ignoring", user, owner, artifactFilename))
				case !strings.EqualFold(hash, st.ExpectedHash()):
					st.AddMessage(fmt.Sprintf("assertion from %s (%s) binds hash %s, expected %s, ignoring", user, owner, hash, st.ExpectedHash()))
				default:
					seenFingerprints[fingerprint] = true
					valid++
					st.AddMessage(fmt.Sprintf("valid Gitian signature from %s (%s)", user, owner))
				}
			case !trusted:
				st.AddMessage(fmt.Sprintf("valid signature from %s but fingerprint %s is not in the trusted key set", user, fingerprint))
			default:
				st.AddMessage(fmt.Sprintf("duplicate signature from %s (%s), ignoring", user, owner))
			}
		case tristate.False:
			st.AddMessage(fmt.Sprintf("bad Gitian signature from %s", user))
			st.SetBadGitianSignatureFound(true)
		case tristate.Unknown:
			st.AddMessage(fmt.Sprintf("inconclusive Gitian signature from %s, fingerprint %s", user, fingerprint))
		}
	}

	st.SetValidGitianSigs(valid)
	badSigs := st.BadGitianSignatureFound()
	success := !badSigs && valid >= minValidSigs

	st.SetGitianResult(true, success)
	return SignatureResult{Total: uint32(len(users)), Valid: valid, BadSigs: badSigs, Success: success}
}

// canonicalArtifactFilename computes the basename of the canonical
// artifact URL for buildtag's Gitian build-platform triplet, which is
// the filename a build assertion's checksum line must bind its hash to.
func canonicalArtifactFilename(urlBuilder URLBuilder, software, subchannel, buildtag, version string) (string, error) {
	url, err := urlBuilder.BuildUpdateURL(software, subchannel, buildPlatformTag(buildtag), version)
	if err != nil {
		return "", err
	}
	return path.Base(url), nil
}

// hashBindingPattern compiles the per-line "<hex digest>  <filename>"
// matcher a build assertion's checksum section is grepped with. It
// returns nil if filename is empty, in which case extractBoundHash
// always reports no match — failing the hash-binding check closed rather
// than matching everything.
func hashBindingPattern(filename string) *regexp.Regexp {
	if filename == "" {
		return nil
	}
	return regexp.MustCompile(`(?m)([a-fA-F0-9]+)  ` + regexp.QuoteMeta(filename) + `$`)
}

// extractBoundHash searches assertContents for pattern's checksum line
// and returns the hex digest it binds to the artifact filename.
func extractBoundHash(assertContents string, pattern *regexp.Regexp) (string, bool) {
	if pattern == nil {
		return "", false
	}
	m := pattern.FindStringSubmatch(assertContents)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func scrapeUserTokens(page string) []string {
	matches := userTokenPattern.FindAllStringSubmatch(page, -1)
	seen := make(map[string]bool, len(matches))
	users := make([]string, 0, len(matches))
	for _, m := range matches {
		token := m[1]
		if token == "." || token == ".." || seen[token] {
			continue
		}
		seen[token] = true
		users = append(users, token)
	}
	return users
}
