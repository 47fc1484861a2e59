package stages

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/tristate"
)

// MinValidDomains is the quorum of agreeing, DNSSEC-valid domains required
// before their record set is trusted (spec §4.2).
const MinValidDomains = 2

// QuorumResult is the outcome of querying the configured domains.
type QuorumResult struct {
	// Records is the agreed-upon set of TXT records, present only when
	// a quorum was reached.
	Records []string
	// Quorum reports whether at least MinValidDomains domains returned
	// DNSSEC-valid, set-equal record lists.
	Quorum bool
}

type domainResponse struct {
	domain    string
	records   []string
	available bool
	valid     bool
}

// eligible reports whether a response is a candidate for quorum counting
// and selection at all: available, DNSSEC-valid, and non-empty (spec
// §4.2 step 3's available ∧ valid ∧ records≠∅).
func (r domainResponse) eligible() bool {
	return r.available && r.valid && len(r.records) != 0
}

// QueryDomains queries every domain in domains for TXT records
// concurrently, one query per domain, keeping each response at its
// domain's source-order index, then walks the results twice: once in a randomized
// traversal purely to log why domains were skipped, and once over the
// original source order to pick the agreed record set. Only the second
// walk has any bearing on the result, so the quorum decision never
// depends on map iteration order or on the random seed (spec §4.2).
func QueryDomains(ctx context.Context, st *status.Status, resolver DNSResolver, domains []string) QuorumResult {
	if len(domains) == 0 {
		st.SetDNSValid(tristate.False)
		st.AddMessage("no DNS domains configured")
		return QuorumResult{}
	}

	responses := make([]domainResponse, len(domains))
	var wg sync.WaitGroup
	for i, domain := range domains {
		wg.Add(1)
		go func(i int, domain string) {
			defer wg.Done()
			records, available, valid, err := resolver.TXTQuery(ctx, domain)
			if err != nil {
				st.AddMessage(fmt.Sprintf("DNS query for %s failed: %v", domain, err))
				return
			}
			responses[i] = domainResponse{domain: domain, records: records, available: available, valid: valid}
		}(i, domain)
	}
	wg.Wait()

	logSkipReasons(st, responses)

	validCount := 0
	for _, r := range responses {
		if r.eligible() {
			validCount++
		}
	}
	if validCount < MinValidDomains {
		st.SetDNSValid(tristate.False)
		st.AddMessage(fmt.Sprintf("only %d DNS domains returned valid records, need %d", validCount, MinValidDomains))
		return QuorumResult{}
	}

	records, ok := selectAgreedRecords(responses)
	if !ok {
		st.SetDNSValid(tristate.False)
		st.AddMessage("no two DNS domains returned matching record sets")
		return QuorumResult{}
	}

	st.SetDNSValid(tristate.True)
	return QuorumResult{Records: records, Quorum: true}
}

// selectAgreedRecords scans responses in source order for the
// smallest-index i such that some later j>i is an eligible response with
// a set-equal record list, and returns i's records. This is deterministic
// by construction: it never groups responses in a map, so there is
// nothing for Go's randomized map iteration to make nondeterministic.
func selectAgreedRecords(responses []domainResponse) ([]string, bool) {
	for i := 0; i < len(responses)-1; i++ {
		if !responses[i].eligible() {
			continue
		}
		iKey := setKey(responses[i].records)
		for j := i + 1; j < len(responses); j++ {
			if !responses[j].eligible() {
				continue
			}
			if setKey(responses[j].records) == iKey {
				return responses[i].records, true
			}
		}
	}
	return nil, false
}

// logSkipReasons walks responses in a randomized order (seeded from
// wall-clock time xor the process id) purely to emit per-domain skip
// messages; it has no influence on selectAgreedRecords and exists only so
// the message log doesn't always blame the same handful of domains first.
func logSkipReasons(st *status.Status, responses []domainResponse) {
	seed := time.Now().UnixNano() ^ int64(os.Getpid())
	rnd := rand.New(rand.NewSource(seed))
	start := rnd.Intn(len(responses))

	for i := 0; i < len(responses); i++ {
		r := responses[(start+i)%len(responses)]
		switch {
		case !r.available:
			st.AddMessage(fmt.Sprintf("DNS response from %s has no DNSSEC signature", r.domain))
		case !r.valid:
			st.AddMessage(fmt.Sprintf("DNS response from %s is not DNSSEC-valid", r.domain))
		case len(r.records) == 0:
			st.AddMessage(fmt.Sprintf("DNS response from %s has no TXT records", r.domain))
		}
	}
}

// setKey builds a canonical string key for set-equality comparison of two
// unordered record lists.
func setKey(records []string) string {
	sorted := append([]string(nil), records...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
