// Package events implements a small typed publish/subscribe bus used to
// fan out Status change notifications to observers without ever blocking
// the publisher on a slow subscriber.
package events

import "sync"

// Name identifies an event kind.
type Name string

// The event vocabulary published by the status store, per spec §4.1.
const (
	StateChanged            Name = "stateChanged"
	StateOutcomeChanged     Name = "stateOutcomeChanged"
	SelectingChanged        Name = "selectingChanged"
	DNSValidChanged         Name = "dnsValidChanged"
	HashValidChanged        Name = "hashValidChanged"
	ValidGitianSigsChanged  Name = "validGitianSigsChanged"
	MinValidGitianSigs      Name = "minValidGitianSigsChanged"
	ProcessedGitianSigs     Name = "processedGitianSigsChanged"
	TotalGitianSigs         Name = "totalGitianSigsChanged"
	VersionChanged          Name = "versionChanged"
	Message                 Name = "message"
	DownloadStarted         Name = "downloadStarted"
	DownloadProgress        Name = "downloadProgress"
	DownloadFinished        Name = "downloadFinished"
	ValidUpdateReady        Name = "validUpdateReady"
)

// Event is a single published notification. Payload is whichever type the
// named event carries; subscribers type-assert based on Name.
type Event struct {
	Name    Name
	Payload any
}

// subscriberQueueSize bounds how far a subscriber can lag; once its queue is
// full, newly published events are dropped for it, so a stalled observer can
// never back-pressure the Driver.
const subscriberQueueSize = 64

// Bus is a fan-out publisher. The zero value is not usable; use New.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	// dropped counts events dropped due to a full subscriber queue, per
	// subscriber id, surfaced so a caller can log it once.
	dropped map[int]int
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[int]chan Event),
		dropped: make(map[int]int),
	}
}

// Subscribe registers a new observer and returns its channel and an
// unsubscribe function. The channel is buffered; Publish never blocks on it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberQueueSize)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			close(ch)
			delete(b.subs, id)
			delete(b.dropped, id)
		}
	}
	return ch, unsubscribe
}

// Publish fans an event out to every current subscriber. A subscriber whose
// queue is full has its oldest-pending-equivalent slot skipped (the new
// event is dropped, not the queue drained) so publication stays O(subscribers)
// and non-blocking.
func (b *Bus) Publish(name Name, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{Name: name, Payload: payload}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped[id]++
		}
	}
}

// Dropped returns how many events have been dropped for a given subscriber
// channel's id-free view: the total across all subscribers, for logging.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.dropped {
		total += n
	}
	return total
}

// Close shuts down every subscriber channel. No further Publish calls are
// permitted after Close; the Driver MUST call this only after it stops
// mutating Status, per the shutdown contract in spec §5.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
