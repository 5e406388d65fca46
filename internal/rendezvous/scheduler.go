package rendezvous

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerns/peerns/internal/contact"
	"github.com/peerns/peerns/internal/identity"
	"github.com/peerns/peerns/internal/namespace"
	"github.com/peerns/peerns/internal/sharedkey"
	"github.com/peerns/peerns/internal/signaling"
)

// Timing constants named directly after spec.md §4.5.
const (
	SweepInterval = 5 * time.Minute
	InitialDelay  = 30 * time.Second
	WindowSize    = 10 * time.Minute
	DeadlineGrace = 2 * time.Second
)

// Scheduler runs the FIFO, single-active-slot recovery loop: at most one
// contact is being rendezvous'd with at a time, so as not to flood the
// signaling service with simultaneous namespace claims.
type Scheduler struct {
	contacts *contact.Store
	id       *identity.Identity
	adapter  signaling.Adapter
	friendly func() string
	log      *zap.Logger

	// Skip lets the caller (the Session Manager) exclude a contact that
	// already has a pending or live session, so the scheduler only chases
	// contacts that are genuinely unreachable through normal means.
	Skip func(persistentID string) bool

	// OnRecovered fires once a contact has been re-confirmed (and possibly
	// migrated to a new persistent ID) through a rendezvous exchange. The
	// caller is expected to open a normal session with the returned
	// contact next.
	OnRecovered func(c contact.Contact)

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	stopped  chan struct{}
	stopOnce sync.Once
	runOnce  sync.Once
}

// New constructs a Scheduler. adapter is shared with the Namespace Engine
// so rendezvous namespaces and normal namespaces reuse one signaling
// connection.
func New(contacts *contact.Store, id *identity.Identity, adapter signaling.Adapter, friendly func() string, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		contacts: contacts,
		id:       id,
		adapter:  adapter,
		friendly: friendly,
		log:      log,
		Skip:     func(string) bool { return false },
		queued:   make(map[string]bool),
		stopped:  make(chan struct{}),
	}
}

// Start begins the sweep-and-recover loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.runOnce.Do(func() {
		go s.sweepLoop(ctx)
		go s.runLoop(ctx)
	})
}

// Stop halts the scheduler. In-flight rendezvous attempts observe ctx
// cancellation from the caller; Stop only prevents new ones from starting.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	select {
	case <-time.After(InitialDelay):
	case <-s.stopped:
		return
	case <-ctx.Done():
		return
	}
	s.sweep()

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep enqueues every contact that has a known public key, is not already
// queued, and is not excluded by Skip.
func (s *Scheduler) sweep() {
	for _, c := range s.contacts.List() {
		if len(c.PublicKey) == 0 {
			continue
		}
		if s.Skip(c.PersistentID) {
			continue
		}
		s.enqueue(c.PersistentID)
	}
}

func (s *Scheduler) enqueue(persistentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[persistentID] {
		return
	}
	s.queued[persistentID] = true
	s.queue = append(s.queue, persistentID)
}

func (s *Scheduler) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, id)
	return id, true
}

func (s *Scheduler) requeue(persistentID string) {
	s.enqueue(persistentID)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	for {
		persistentID, ok := s.dequeue()
		if !ok {
			select {
			case <-time.After(time.Second):
			case <-s.stopped:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}

		if migrated, recovered := s.attempt(ctx, persistentID); !recovered {
			s.requeue(persistentID)
		} else if s.OnRecovered != nil {
			s.OnRecovered(migrated)
		}
	}
}

// attempt runs one rendezvous: derive this window's slug from the
// contact's shared key, join the rendezvous namespace, and wait for the
// peer or the window deadline, whichever comes first. Because either side
// may be the one to spot the other in the registry first, attempt races an
// outbound dial-on-registry-match against an inbound accept-and-respond
// loop on its own discovery-ID claim; whichever completes the signed
// exchange first wins (spec §4.5).
func (s *Scheduler) attempt(ctx context.Context, persistentID string) (contact.Contact, bool) {
	c, err := s.contacts.Get(persistentID)
	if err != nil || len(c.PublicKey) == 0 {
		return contact.Contact{}, false
	}

	peerPub, err := identity.PublicKeySPKI(c.PublicKey)
	if err != nil {
		s.log.Debug("rendezvous: bad contact public key", zap.String("persistentID", persistentID), zap.Error(err))
		return contact.Contact{}, false
	}
	key, err := sharedkey.Derive(s.id.Priv, peerPub)
	if err != nil {
		return contact.Contact{}, false
	}

	now := time.Now().UTC()
	windowIndex := now.Unix() / int64(WindowSize/time.Second)
	slug := key.RendezvousSlug(windowIndex)
	deadline := time.Unix((windowIndex+1)*int64(WindowSize/time.Second), 0).Add(DeadlineGrace)

	attemptCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	eng := namespace.New(namespace.Rendezvous{Slug: slug}, s.adapter, s.id, s.contacts, uuid.NewString(), s.friendly, s.log)
	eng.Start(attemptCtx)
	defer eng.Stop()

	result := make(chan contact.Contact, 1)
	go s.acceptDirect(attemptCtx, eng, result)

	for {
		select {
		case ev, ok := <-eng.Events():
			if !ok {
				return contact.Contact{}, false
			}
			if ev.Kind != namespace.KindPeerListUpdated {
				continue
			}
			for _, entry := range ev.Registry {
				if entry.IsMe || !samePublicKey(entry.PublicKey, c.PublicKey) {
					continue
				}
				go func(discoveryID string) {
					if migrated, ok := s.exchange(attemptCtx, discoveryID, c); ok {
						select {
						case result <- migrated:
						default:
						}
					}
				}(entry.DiscoveryID)
			}
		case migrated := <-result:
			return migrated, true
		case <-attemptCtx.Done():
			return contact.Contact{}, false
		}
	}
}

// acceptDirect waits for eng's own discovery-ID claim to be established,
// then answers inbound exchange requests (the mirror of the dial side in
// exchange), in case the peer spots us in the registry before we spot it.
func (s *Scheduler) acceptDirect(ctx context.Context, eng *namespace.Engine, result chan<- contact.Contact) {
	var sess signaling.Session
	for sess == nil {
		sess = eng.DiscoverySession()
		if sess != nil {
			break
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case ch, ok := <-sess.Accept():
			if !ok {
				return
			}
			go s.respondToExchange(ctx, ch, result)
		case <-ctx.Done():
			return
		}
	}
}

// exchange dials the recovered peer directly (outside the rendezvous
// namespace's router, peer to peer) and swaps signed identity confirmations
// (spec §4.5).
func (s *Scheduler) exchange(ctx context.Context, discoveryID string, c contact.Contact) (contact.Contact, bool) {
	ch, err := s.adapter.Connect(ctx, discoveryID)
	if err != nil {
		return contact.Contact{}, false
	}
	defer ch.Close()

	ours, err := s.buildExchange()
	if err != nil {
		return contact.Contact{}, false
	}
	b, err := json.Marshal(ours)
	if err != nil || ch.Send(b) != nil {
		return contact.Contact{}, false
	}

	select {
	case data, ok := <-ch.Data():
		if !ok {
			return contact.Contact{}, false
		}
		theirs, ok := s.verifyExchange(data)
		if !ok {
			return contact.Contact{}, false
		}
		return s.reconcile(c.PersistentID, theirs)
	case <-ctx.Done():
		return contact.Contact{}, false
	}
}

// respondToExchange is the responder's half of exchange: read the
// requester's signed Exchange, resolve it to a known contact by public key,
// and reply with our own.
func (s *Scheduler) respondToExchange(ctx context.Context, ch signaling.Channel, result chan<- contact.Contact) {
	defer ch.Close()

	select {
	case data, ok := <-ch.Data():
		if !ok {
			return
		}
		theirs, ok := s.verifyExchange(data)
		if !ok {
			return
		}
		c, found := s.contacts.FindByPublicKey(mustDecode(theirs.PublicKey))
		if !found {
			return
		}

		ours, err := s.buildExchange()
		if err != nil {
			return
		}
		b, err := json.Marshal(ours)
		if err != nil || ch.Send(b) != nil {
			return
		}

		if updated, ok := s.reconcile(c.PersistentID, theirs); ok {
			select {
			case result <- updated:
			default:
			}
		}
	case <-ctx.Done():
	}
}

func (s *Scheduler) buildExchange() (Exchange, error) {
	spki, err := s.id.SPKI()
	if err != nil {
		return Exchange{}, err
	}
	e := Exchange{
		Type:         TypeExchange,
		PersistentID: s.id.PersistentID,
		FriendlyName: s.friendly(),
		PublicKey:    hex.EncodeToString(spki),
		Timestamp:    time.Now().Unix(),
	}
	sig, err := s.id.Sign(signingPayload(e))
	if err != nil {
		return Exchange{}, err
	}
	e.Signature = sig
	return e, nil
}

func (s *Scheduler) verifyExchange(data []byte) (Exchange, bool) {
	var e Exchange
	if err := json.Unmarshal(data, &e); err != nil || e.Type != TypeExchange {
		return Exchange{}, false
	}
	pub := mustDecode(e.PublicKey)
	if pub == nil || !identity.Verify(pub, signingPayload(e), e.Signature) {
		s.log.Debug("rendezvous: signature verification failed", zap.String("persistentID", e.PersistentID))
		return Exchange{}, false
	}
	return e, true
}

// reconcile migrates knownPersistentID to theirs.PersistentID if they
// differ, and returns the resulting contact record.
func (s *Scheduler) reconcile(knownPersistentID string, theirs Exchange) (contact.Contact, bool) {
	if theirs.PersistentID != knownPersistentID {
		if err := s.contacts.Migrate(knownPersistentID, theirs.PersistentID); err != nil {
			s.log.Debug("rendezvous: migrate failed", zap.Error(err))
		}
	}
	updated, err := s.contacts.Get(theirs.PersistentID)
	if err != nil {
		return contact.Contact{}, false
	}
	return updated, true
}

func mustDecode(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil
	}
	return b
}

func signingPayload(e Exchange) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d", e.PersistentID, e.FriendlyName, e.PublicKey, e.Timestamp))
}

func samePublicKey(a, b []byte) bool {
	return len(a) > 0 && hex.EncodeToString(a) == hex.EncodeToString(b)
}
