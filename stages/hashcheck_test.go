package stages

import (
	"errors"
	"testing"

	"github.com/ironledger/updateverify/tristate"
)

var errHashFailure = errors.New("disk read failure")

func TestCheckHashMatch(t *testing.T) {
	st := newTestStatus()
	st.SetExpectedHash("DEADBEEF")
	hasher := &fakeHasher{hashes: map[string]string{"/tmp/artifact": "deadbeef"}}

	if !CheckHash(st, hasher, "/tmp/artifact") {
		t.Fatal("expected a case-insensitive hash match to succeed")
	}
	if st.HashValid() != tristate.True {
		t.Errorf("HashValid() = %v, want True", st.HashValid())
	}
}

func TestCheckHashMismatch(t *testing.T) {
	st := newTestStatus()
	st.SetExpectedHash("deadbeef")
	hasher := &fakeHasher{hashes: map[string]string{"/tmp/artifact": "00112233"}}

	if CheckHash(st, hasher, "/tmp/artifact") {
		t.Fatal("expected mismatched hash to fail")
	}
	if st.HashValid() != tristate.False {
		t.Errorf("HashValid() = %v, want False", st.HashValid())
	}
}

func TestCheckHashHasherError(t *testing.T) {
	st := newTestStatus()
	hasher := &fakeHasher{err: errHashFailure}

	if CheckHash(st, hasher, "/tmp/artifact") {
		t.Fatal("expected a hasher error to fail the check")
	}
	if st.HashValid() != tristate.Unknown {
		t.Errorf("HashValid() = %v, want Unknown", st.HashValid())
	}
}
