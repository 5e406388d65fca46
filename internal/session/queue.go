package session

import (
	"sync"
	"time"
)

// MaxConnectRetries bounds the per-contact retry counter (spec §4.6): after
// this many consecutive connection failures, queued messages are flagged
// failed and the contact is handed off to the Rendezvous Scheduler.
const MaxConnectRetries = 3

// retryBase is the fixed step in the spec's "5s × counter" backoff — a
// simpler, non-exponential policy than the Namespace Engine's reconnect
// jitter, because §5 specifies the two are different failure domains.
const retryBase = 5 * time.Second

// outgoing is one message (or edit/delete) waiting to be sent or
// re-delivered to a contact.
type outgoing struct {
	id      string
	payload []byte
	state   MessageState
}

// sendQueue is a per-contact FIFO of outgoing payloads plus that contact's
// failure counter, generalizing the teacher's connMan.nextTry/backoff
// bookkeeping (daemon/connman.go markFailure/markSuccess) to a fixed
// schedule instead of exponential.
type sendQueue struct {
	mu        sync.Mutex
	pending   []*outgoing
	byID      map[string]*outgoing
	failCount int
	nextTry   time.Time
}

func newSendQueue() *sendQueue {
	return &sendQueue{byID: make(map[string]*outgoing)}
}

func (q *sendQueue) push(o *outgoing) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, o)
	q.byID[o.id] = o
}

// drain returns every still-pending message, leaving the queue populated —
// callers remove entries individually via ack.
func (q *sendQueue) drain() []*outgoing {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*outgoing, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *sendQueue) setState(id string, state MessageState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if o, ok := q.byID[id]; ok {
		o.state = state
	}
}

// ack removes a message from the queue once delivery is confirmed.
func (q *sendQueue) ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; !ok {
		return
	}
	delete(q.byID, id)
	for i, o := range q.pending {
		if o.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

// markSuccess resets the failure counter on a successful connect (mirrors
// connMan.markSuccess).
func (q *sendQueue) markSuccess() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failCount = 0
	q.nextTry = time.Time{}
}

// markFailure increments the failure counter and records the next retry
// time as retryBase × counter from now; nothing in this package waits for
// that time or retries on its own. Returns true once the counter has exhausted
// MaxConnectRetries, at which point every still-pending message is marked
// failed and the caller should hand the contact to the Rendezvous
// Scheduler.
func (q *sendQueue) markFailure(now time.Time) (exhausted bool) {
	q.mu.Lock()
	q.failCount++
	q.nextTry = now.Add(retryBase * time.Duration(q.failCount))
	exhausted = q.failCount >= MaxConnectRetries
	if exhausted {
		for _, o := range q.pending {
			o.state = StateFailed
		}
	}
	q.mu.Unlock()
	return exhausted
}

func (q *sendQueue) shouldRetry(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextTry.IsZero() || now.After(q.nextTry)
}
