package session

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
	"github.com/peerns/peerns/internal/peernserr"
	"github.com/peerns/peerns/internal/sharedkey"
	"github.com/peerns/peerns/internal/signaling"
)

// Event is emitted on a Manager's Events channel as messages arrive and
// sent messages change lifecycle state (spec §4.6).
type Event struct {
	Kind         string // see Kind* constants below
	PersistentID string
	MessageID    string
	Content      string
	Name         string
}

const (
	KindMessageReceived    = "message-received"
	KindMessageEdited      = "message-edited"
	KindMessageDeleted     = "message-deleted"
	KindMessageState       = "message-state"
	KindHelloVerified      = "hello-verified"
	KindHandshakeRequested = "handshake-requested"
	KindHandshakeAccepted  = "handshake-accepted"
	KindHandshakeRejected  = "handshake-rejected"
	KindHandshakeTimeout   = "handshake-timeout"
)

// HandshakeTimeout bounds how long a new-contact handshake (spec §6/§7) may
// sit unanswered — either awaiting the recipient's accept/reject decision or
// awaiting the requester's accepted/confirm replies — before it is treated
// as abandoned.
const HandshakeTimeout = 60 * time.Second

// handshakeOutcome is the single resolution of one pendingHandshake; exactly
// one of AcceptHandshake, RejectHandshake, or the 60s timer wins the race to
// deliver it (see resolveHandshake).
type handshakeOutcome int

const (
	outcomeRejected handshakeOutcome = iota
	outcomeAccepted
	outcomeTimedOut
)

// pendingHandshake is an inbound request awaiting a human decision via
// AcceptHandshake/RejectHandshake.
type pendingHandshake struct {
	persistentID string
	friendlyName string
	peerSPKI     []byte
	ch           signaling.Channel
	result       chan handshakeOutcome
	timer        *time.Timer
}

// contactSession is one open, handshaked channel to a contact plus its
// derived shared key and send queue.
type contactSession struct {
	mu    sync.Mutex
	ch    signaling.Channel
	key   *sharedkey.Key
	queue *sendQueue
}

// Manager is the Session Manager (spec §4.6): it owns this device's own
// persistent-ID endpoint, one contactSession per contact it has an open
// channel to, and the retry/backoff bookkeeping for contacts it cannot
// currently reach.
type Manager struct {
	id            *identity.Identity
	contacts      *contact.Store
	adapter       signaling.Adapter
	friendly      func() string
	discoveryUUID string
	log           *zap.Logger

	// OnExhausted fires once a contact's retry counter hits
	// MaxConnectRetries, so the caller can hand it to the Rendezvous
	// Scheduler (spec §4.6 "the contact is enqueued for rendezvous").
	OnExhausted func(persistentID string)

	// OnHandshakeRequest, if set, is consulted the moment an inbound
	// HandshakeRequest is recorded as pending (KindHandshakeRequested has
	// already been emitted) and its bool return used to immediately call
	// AcceptHandshake/RejectHandshake on the caller's behalf — e.g. the
	// daemon auto-accepting a request from a persistentID it already has a
	// PendingOutgoing contact record for. Leaving it nil means every
	// inbound request waits on an explicit AcceptHandshake/RejectHandshake
	// call, up to HandshakeTimeout.
	OnHandshakeRequest func(persistentID string) bool

	mu       sync.Mutex
	sessions map[string]*contactSession
	own      signaling.Session
	events   chan Event
	stopped  chan struct{}
	stopOnce sync.Once
	runOnce  sync.Once

	hsMu       sync.Mutex
	handshakes map[string]*pendingHandshake
}

// New constructs a Manager. friendly is called lazily, matching the
// Namespace Engine's convention, so a display-name change needs no
// reconstruction. discoveryUUID is this device's stable opaque token (spec
// §3), disclosed to a new contact via the handshake's accepted/confirm
// messages — the same value passed to namespace.New so a contact can later
// be recognized on the network before any registry carries its public key.
func New(contacts *contact.Store, id *identity.Identity, adapter signaling.Adapter, friendly func() string, discoveryUUID string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		id:            id,
		contacts:      contacts,
		adapter:       adapter,
		friendly:      friendly,
		discoveryUUID: discoveryUUID,
		log:           log,
		sessions:      make(map[string]*contactSession),
		events:        make(chan Event, 64),
		stopped:       make(chan struct{}),
		handshakes:    make(map[string]*pendingHandshake),
	}
}

// Events delivers message/lifecycle notifications.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// Start claims this device's own persistent-ID endpoint and begins
// accepting inbound sessions from contacts dialing it directly.
func (m *Manager) Start(ctx context.Context) error {
	sess, err := m.adapter.Claim(ctx, m.id.PersistentID)
	if err != nil {
		return fmt.Errorf("session: claim own persistent id: %w", err)
	}
	m.mu.Lock()
	m.own = sess
	m.mu.Unlock()

	m.runOnce.Do(func() {
		go m.acceptLoop(ctx, sess)
	})
	return nil
}

// Stop releases this device's own session and every open contact channel.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		m.mu.Lock()
		if m.own != nil {
			_ = m.own.Close()
		}
		sessions := m.sessions
		m.sessions = make(map[string]*contactSession)
		m.mu.Unlock()
		for _, cs := range sessions {
			if cs.ch != nil {
				_ = cs.ch.Close()
			}
		}
	})
}

func (m *Manager) isStopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

func (m *Manager) acceptLoop(ctx context.Context, sess signaling.Session) {
	for {
		select {
		case ch, ok := <-sess.Accept():
			if !ok {
				return
			}
			go m.handleInbound(ctx, ch)
		case <-m.stopped:
			return
		}
	}
}

// IsConnected reports whether a live, handshaked channel to persistentID is
// open — used by the Rendezvous Scheduler's Skip hook to avoid chasing a
// contact that does not need it.
func (m *Manager) IsConnected(persistentID string) bool {
	m.mu.Lock()
	cs, ok := m.sessions[persistentID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cs.mu.Lock()
	ch := cs.ch
	cs.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch.Closed():
		return false
	default:
		return true
	}
}

// SetName broadcasts a name-update over every open channel (spec §4.6). It
// does not re-checkin namespaces; callers also holding Namespace Engines
// should call Engine.Recheckin on each.
func (m *Manager) SetName(name string) {
	m.mu.Lock()
	sessions := make([]*contactSession, 0, len(m.sessions))
	for _, cs := range m.sessions {
		sessions = append(sessions, cs)
	}
	m.mu.Unlock()

	msg := NameUpdate{Type: TypeNameUpdate, Name: name}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, cs := range sessions {
		cs.mu.Lock()
		if cs.ch != nil {
			_ = cs.ch.Send(b)
		}
		cs.mu.Unlock()
	}
}

// Send enqueues content for delivery to a contact and returns the message
// ID assigned to it, after recording the message in the contact's history.
// Delivery proceeds asynchronously; state transitions are reported on
// Events.
func (m *Manager) Send(ctx context.Context, persistentID, content string) (string, error) {
	id := uuid.NewString()
	m.appendHistory(persistentID, contact.ChatMessage{ID: id, FromSelf: true, Body: content, Timestamp: time.Now()})
	c, err := m.contacts.Get(persistentID)
	if err != nil {
		return "", err
	}

	cs := m.sessionFor(persistentID)
	payload, err := m.encodeMessage(cs, id, content)
	if err != nil {
		return "", err
	}
	o := &outgoing{id: id, payload: payload, state: StateWaiting}
	cs.queue.push(o)

	go m.deliver(ctx, persistentID, c)
	return id, nil
}

func (m *Manager) sessionFor(persistentID string) *contactSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.sessions[persistentID]
	if !ok {
		cs = &contactSession{queue: newSendQueue()}
		m.sessions[persistentID] = cs
	}
	return cs
}

// encodeMessage builds the wire Message, encrypting under cs's shared key
// if one has been derived yet (spec §4.6: plaintext content otherwise).
func (m *Manager) encodeMessage(cs *contactSession, id, content string) ([]byte, error) {
	cs.mu.Lock()
	key := cs.key
	cs.mu.Unlock()

	msg := Message{Type: TypeMessage, ID: id, Timestamp: time.Now().Unix()}
	if key == nil {
		msg.Content = content
	} else {
		sealed, sig, err := m.seal(key, []byte(content))
		if err != nil {
			return nil, err
		}
		msg.E2E = true
		msg.IV = sealed.iv
		msg.CT = sealed.ct
		msg.Sig = sig
	}
	return json.Marshal(msg)
}

type sealedEnvelope struct {
	iv string // kept empty; Seal packs nonce||ct together (see seal)
	ct string
}

// seal encrypts plaintext under key and signs the ciphertext with this
// device's identity key, matching spec §4.6's "encrypts content with
// AES-GCM, signs the ciphertext with ECDSA" exactly. The nonce is packed
// into ct (sharedkey.Seal's convention) rather than a separate iv field.
func (m *Manager) seal(key *sharedkey.Key, plaintext []byte) (sealedEnvelope, string, error) {
	blob, err := key.Seal(plaintext, nil)
	if err != nil {
		return sealedEnvelope{}, "", err
	}
	ct := hex.EncodeToString(blob)
	sig, err := m.id.Sign(blob)
	if err != nil {
		return sealedEnvelope{}, "", err
	}
	return sealedEnvelope{ct: ct}, sig, nil
}

// openEnvelope verifies and decrypts an E2E message. A failure (bad
// signature or decrypt) is never silently dropped: callers substitute
// sentinelContent and log (spec §7).
func (m *Manager) openEnvelope(key *sharedkey.Key, peerSPKI []byte, ct, sig string) (string, bool) {
	blob, err := hex.DecodeString(ct)
	if err != nil {
		return sentinelContent, false
	}
	if !identity.Verify(peerSPKI, blob, sig) {
		return sentinelContent, false
	}
	plaintext, err := key.Open(blob, nil)
	if err != nil {
		return sentinelContent, false
	}
	return string(plaintext), true
}

// deliver opens (or reuses) a channel to the contact, performs the hello
// handshake if needed, and drains its send queue. On failure it counts the
// attempt in the queue's failure counter and, once that is exhausted, flags
// pending messages failed and notifies OnExhausted. It does not schedule a
// retry itself: queued messages are attempted again only when a later Send
// calls deliver.
func (m *Manager) deliver(ctx context.Context, persistentID string, c contact.Contact) {
	cs := m.sessionFor(persistentID)

	cs.mu.Lock()
	ch := cs.ch
	cs.mu.Unlock()

	if ch == nil {
		var err error
		if len(c.PublicKey) == 0 {
			ch, err = m.outgoingHandshake(ctx, persistentID, c)
		} else {
			ch, err = m.connect(ctx, persistentID, c)
		}
		if err != nil {
			m.log.Debug("session: connect failed", zap.String("persistentID", persistentID), zap.Error(err))
			if exhausted := cs.queue.markFailure(time.Now()); exhausted {
				for _, o := range cs.queue.drain() {
					m.emit(Event{Kind: KindMessageState, PersistentID: persistentID, MessageID: o.id, Content: StateFailed.String()})
				}
				if m.OnExhausted != nil {
					m.OnExhausted(persistentID)
				}
			}
			return
		}
		cs.queue.markSuccess()
	}

	for _, o := range cs.queue.drain() {
		if o.state != StateWaiting {
			continue
		}
		if err := ch.Send(o.payload); err != nil {
			return
		}
		cs.queue.setState(o.id, StateSent)
		m.emit(Event{Kind: KindMessageState, PersistentID: persistentID, MessageID: o.id, Content: StateSent.String()})
	}
}

// connect dials the contact's persistent ID, exchanges signed hellos, and
// stores the resulting channel and derived shared key on cs.
func (m *Manager) connect(ctx context.Context, persistentID string, c contact.Contact) (signaling.Channel, error) {
	ch, err := m.adapter.Connect(ctx, persistentID)
	if err != nil {
		return nil, err
	}

	hello, err := m.buildHello()
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := m.sendJSON(ch, hello); err != nil {
		_ = ch.Close()
		return nil, err
	}

	select {
	case data, ok := <-ch.Data():
		if !ok {
			_ = ch.Close()
			return nil, fmt.Errorf("session: channel closed before hello reply")
		}
		peerSPKI, ok := m.verifyHello(data)
		if !ok {
			_ = ch.Close()
			return nil, fmt.Errorf("%w: hello verification failed", peernserr.ErrSignatureInvalid)
		}
		key, err := m.finishHandshake(persistentID, c, peerSPKI)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		cs := m.sessionFor(persistentID)
		cs.mu.Lock()
		cs.ch = ch
		cs.key = key
		cs.mu.Unlock()
		go m.readLoop(ctx, persistentID, ch)
		return ch, nil
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	}
}

// readHandshakeFrame blocks for the next frame on ch whose "type" is one of
// want, ignoring anything else, until deadline fires or ctx is done.
func (m *Manager) readHandshakeFrame(ctx context.Context, ch signaling.Channel, deadline <-chan time.Time, want ...string) (string, []byte, error) {
	for {
		select {
		case data, ok := <-ch.Data():
			if !ok {
				return "", nil, fmt.Errorf("session: channel closed mid-handshake")
			}
			var hdr struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &hdr); err != nil {
				continue
			}
			for _, w := range want {
				if hdr.Type == w {
					return hdr.Type, data, nil
				}
			}
		case <-deadline:
			return "", nil, peernserr.ErrHandshakeTimeout
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// outgoingHandshake drives the requester side of the new-contact handshake
// (spec §6/§7): dial, send a signed request, wait up to HandshakeTimeout for
// accepted then confirm (or an immediate rejected), and derive the shared
// key from the public key confirm discloses — accepted alone never carries
// one, so nothing is trusted before confirm arrives.
func (m *Manager) outgoingHandshake(ctx context.Context, persistentID string, c contact.Contact) (signaling.Channel, error) {
	ch, err := m.adapter.Connect(ctx, persistentID)
	if err != nil {
		return nil, err
	}

	spki, err := m.id.SPKI()
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	req := HandshakeRequest{
		Type:         TypeHandshakeRequest,
		FriendlyName: m.friendly(),
		PublicKey:    hex.EncodeToString(spki),
		PersistentID: m.id.PersistentID,
		Timestamp:    time.Now().Unix(),
	}
	sig, err := m.id.Sign(handshakeSigningPayload(req))
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	req.Signature = sig
	if err := m.sendJSON(ch, req); err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.PendingState = contact.PendingOutgoing
	_ = m.contacts.Put(c)

	deadline := time.NewTimer(HandshakeTimeout)
	defer deadline.Stop()

	typ, data, err := m.readHandshakeFrame(ctx, ch, deadline.C, TypeHandshakeAccepted, TypeHandshakeRejected)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if typ == TypeHandshakeRejected {
		_ = ch.Close()
		c.PendingState = contact.PendingNone
		_ = m.contacts.Put(c)
		m.emit(Event{Kind: KindHandshakeRejected, PersistentID: persistentID})
		return nil, peernserr.ErrHandshakeRejected
	}
	var acc HandshakeAccepted
	if err := json.Unmarshal(data, &acc); err != nil {
		_ = ch.Close()
		return nil, err
	}

	_, confirmData, err := m.readHandshakeFrame(ctx, ch, deadline.C, TypeHandshakeConfirm)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	var confirm HandshakeConfirm
	if err := json.Unmarshal(confirmData, &confirm); err != nil {
		_ = ch.Close()
		return nil, err
	}
	peerSPKI, err := hex.DecodeString(confirm.PublicKey)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("session: invalid handshake confirm public key")
	}
	peerPub, err := identity.PublicKeySPKI(peerSPKI)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	key, err := sharedkey.Derive(m.id.Priv, peerPub)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.PublicKey = peerSPKI
	c.DiscoveryUUID = acc.DiscoveryUUID
	if confirm.DiscoveryUUID != "" {
		c.DiscoveryUUID = confirm.DiscoveryUUID
	}
	if confirm.FriendlyName != "" {
		c.DisplayName = confirm.FriendlyName
	}
	c.PendingState = contact.PendingNone
	c.PendingVerified = true
	if err := m.contacts.Put(c); err != nil {
		_ = ch.Close()
		return nil, err
	}

	cs := m.sessionFor(persistentID)
	cs.mu.Lock()
	cs.ch = ch
	cs.key = key
	cs.mu.Unlock()
	m.emit(Event{Kind: KindHandshakeAccepted, PersistentID: persistentID})
	go m.readLoop(ctx, persistentID, ch)
	return ch, nil
}

// resolveHandshake is the single arbiter between AcceptHandshake,
// RejectHandshake, and the 60s timer: whichever call deletes persistentID's
// entry from m.handshakes first wins and delivers outcome; the losers are
// no-ops. Returns false if nothing was pending (already resolved, or never
// requested).
func (m *Manager) resolveHandshake(persistentID string, outcome handshakeOutcome) bool {
	m.hsMu.Lock()
	ph, ok := m.handshakes[persistentID]
	if ok {
		delete(m.handshakes, persistentID)
	}
	m.hsMu.Unlock()
	if !ok {
		return false
	}
	ph.timer.Stop()
	ph.result <- outcome
	return true
}

// PendingHandshakeRequest describes one inbound request awaiting
// AcceptHandshake or RejectHandshake.
type PendingHandshakeRequest struct {
	PersistentID string
	FriendlyName string
	Fingerprint  string
}

// PendingHandshakes lists every inbound request currently awaiting a
// decision, so a caller (CLI prompt, UI) can show the requester's identity
// fingerprint for out-of-band verification before accepting.
func (m *Manager) PendingHandshakes() []PendingHandshakeRequest {
	m.hsMu.Lock()
	defer m.hsMu.Unlock()
	out := make([]PendingHandshakeRequest, 0, len(m.handshakes))
	for _, ph := range m.handshakes {
		out = append(out, PendingHandshakeRequest{
			PersistentID: ph.persistentID,
			FriendlyName: ph.friendlyName,
			Fingerprint:  identity.Fingerprint(ph.peerSPKI),
		})
	}
	return out
}

// AcceptHandshake resolves a pending inbound request (spec §6/§7), sending
// accepted then confirm and completing the handshake. Returns an error if
// persistentID has no pending request (already resolved, rejected, or timed
// out).
func (m *Manager) AcceptHandshake(persistentID string) error {
	if !m.resolveHandshake(persistentID, outcomeAccepted) {
		return fmt.Errorf("session: no pending handshake for %s", persistentID)
	}
	return nil
}

// RejectHandshake declines a pending inbound request. The requester's
// contact record is kept, with no public key and PendingState none.
func (m *Manager) RejectHandshake(persistentID string) error {
	if !m.resolveHandshake(persistentID, outcomeRejected) {
		return fmt.Errorf("session: no pending handshake for %s", persistentID)
	}
	return nil
}

// incomingHandshake drives the recipient side: verify the request's
// self-signature, record a PendingIncoming contact carrying the requester's
// identity fingerprint for the human to confirm out-of-band, and block for
// a decision (AcceptHandshake, RejectHandshake, OnHandshakeRequest's
// immediate answer, or the HandshakeTimeout).
func (m *Manager) incomingHandshake(ctx context.Context, ch signaling.Channel, req HandshakeRequest) {
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil || !identity.Verify(pub, handshakeSigningPayload(req), req.Signature) {
		m.log.Debug("session: inbound handshake request failed verification")
		_ = ch.Close()
		return
	}

	c, err := m.contacts.Get(req.PersistentID)
	if err != nil {
		c = contact.Contact{PersistentID: req.PersistentID, DisplayName: req.FriendlyName}
	}
	if c.DisplayName == "" {
		c.DisplayName = req.FriendlyName
	}
	c.PendingState = contact.PendingIncoming
	c.PendingFingerprint = identity.Fingerprint(pub)
	c.PendingVerified = false
	if err := m.contacts.Put(c); err != nil {
		_ = ch.Close()
		return
	}

	ph := &pendingHandshake{
		persistentID: req.PersistentID,
		friendlyName: req.FriendlyName,
		peerSPKI:     pub,
		ch:           ch,
		result:       make(chan handshakeOutcome, 1),
	}
	m.hsMu.Lock()
	m.handshakes[req.PersistentID] = ph
	m.hsMu.Unlock()
	ph.timer = time.AfterFunc(HandshakeTimeout, func() { m.resolveHandshake(req.PersistentID, outcomeTimedOut) })

	m.emit(Event{Kind: KindHandshakeRequested, PersistentID: req.PersistentID, Name: req.FriendlyName})

	if m.OnHandshakeRequest != nil {
		if m.OnHandshakeRequest(req.PersistentID) {
			go func() { _ = m.AcceptHandshake(req.PersistentID) }()
		} else {
			go func() { _ = m.RejectHandshake(req.PersistentID) }()
		}
	}

	var outcome handshakeOutcome
	select {
	case outcome = <-ph.result:
	case <-m.stopped:
		_ = ch.Close()
		return
	}

	switch outcome {
	case outcomeRejected:
		_ = m.sendJSON(ch, HandshakeRejected{Type: TypeHandshakeRejected})
		_ = ch.Close()
		c, err := m.contacts.Get(req.PersistentID)
		if err == nil {
			c.PendingState = contact.PendingNone
			_ = m.contacts.Put(c)
		}
		m.emit(Event{Kind: KindHandshakeRejected, PersistentID: req.PersistentID})
		return
	case outcomeTimedOut:
		_ = ch.Close()
		m.emit(Event{Kind: KindHandshakeTimeout, PersistentID: req.PersistentID})
		return
	}

	spki, err := m.id.SPKI()
	if err != nil {
		_ = ch.Close()
		return
	}
	if err := m.sendJSON(ch, HandshakeAccepted{Type: TypeHandshakeAccepted, PersistentID: m.id.PersistentID, DiscoveryUUID: m.discoveryUUID}); err != nil {
		_ = ch.Close()
		return
	}
	confirm := HandshakeConfirm{
		Type:          TypeHandshakeConfirm,
		PersistentID:  m.id.PersistentID,
		FriendlyName:  m.friendly(),
		DiscoveryUUID: m.discoveryUUID,
		PublicKey:     hex.EncodeToString(spki),
	}
	if err := m.sendJSON(ch, confirm); err != nil {
		_ = ch.Close()
		return
	}

	peerPub, err := identity.PublicKeySPKI(pub)
	if err != nil {
		_ = ch.Close()
		return
	}
	key, err := sharedkey.Derive(m.id.Priv, peerPub)
	if err != nil {
		_ = ch.Close()
		return
	}

	c, err = m.contacts.Get(req.PersistentID)
	if err != nil {
		c = contact.Contact{PersistentID: req.PersistentID, DisplayName: req.FriendlyName}
	}
	c.PublicKey = pub
	c.PendingState = contact.PendingNone
	c.PendingVerified = true
	if err := m.contacts.Put(c); err != nil {
		_ = ch.Close()
		return
	}

	cs := m.sessionFor(req.PersistentID)
	cs.mu.Lock()
	cs.ch = ch
	cs.key = key
	cs.mu.Unlock()
	m.emit(Event{Kind: KindHandshakeAccepted, PersistentID: req.PersistentID})
	m.readLoop(ctx, req.PersistentID, ch)
}

// handleInbound answers a channel opened by a contact dialing our own
// persistent-ID endpoint. A HandshakeRequest routes to incomingHandshake;
// anything else is the existing hello reconnect path: read their hello,
// reply with ours, resolve the contact by public key, and start the read
// loop.
func (m *Manager) handleInbound(ctx context.Context, ch signaling.Channel) {
	select {
	case data, ok := <-ch.Data():
		if !ok {
			_ = ch.Close()
			return
		}
		var hdr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &hdr); err != nil {
			_ = ch.Close()
			return
		}
		if hdr.Type == TypeHandshakeRequest {
			var req HandshakeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				_ = ch.Close()
				return
			}
			m.incomingHandshake(ctx, ch, req)
			return
		}

		peerSPKI, ok := m.verifyHello(data)
		if !ok {
			m.log.Debug("session: inbound hello failed verification")
			_ = ch.Close()
			return
		}
		c, found := m.contacts.FindByPublicKey(peerSPKI)
		if !found {
			m.log.Debug("session: inbound hello from unknown public key")
			_ = ch.Close()
			return
		}

		hello, err := m.buildHello()
		if err != nil {
			_ = ch.Close()
			return
		}
		if err := m.sendJSON(ch, hello); err != nil {
			_ = ch.Close()
			return
		}

		key, err := m.finishHandshake(c.PersistentID, c, peerSPKI)
		if err != nil {
			_ = ch.Close()
			return
		}
		cs := m.sessionFor(c.PersistentID)
		cs.mu.Lock()
		cs.ch = ch
		cs.key = key
		cs.mu.Unlock()
		m.readLoop(ctx, c.PersistentID, ch)
	case <-ctx.Done():
		_ = ch.Close()
	}
}

func (m *Manager) buildHello() (Hello, error) {
	spki, err := m.id.SPKI()
	if err != nil {
		return Hello{}, err
	}
	h := Hello{
		Type:         TypeHello,
		FriendlyName: m.friendly(),
		PublicKey:    hex.EncodeToString(spki),
		Timestamp:    time.Now().Unix(),
	}
	sig, err := m.id.Sign(helloSigningPayload(h))
	if err != nil {
		return Hello{}, err
	}
	h.Signature = sig
	return h, nil
}

func (m *Manager) verifyHello(data []byte) ([]byte, bool) {
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil || h.Type != TypeHello {
		return nil, false
	}
	pub, err := hex.DecodeString(h.PublicKey)
	if err != nil || !identity.Verify(pub, helloSigningPayload(h), h.Signature) {
		return nil, false
	}
	return pub, true
}

func helloSigningPayload(h Hello) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", h.Type, h.FriendlyName, h.Timestamp))
}

// finishHandshake derives the shared key and, on verified hello, records
// the contact's public key if it was not already known (spec §4.6 "record
// or confirm the contact's public key").
func (m *Manager) finishHandshake(persistentID string, c contact.Contact, peerSPKI []byte) (*sharedkey.Key, error) {
	peerPub, err := identity.PublicKeySPKI(peerSPKI)
	if err != nil {
		return nil, err
	}
	key, err := sharedkey.Derive(m.id.Priv, peerPub)
	if err != nil {
		return nil, err
	}
	if len(c.PublicKey) == 0 {
		c.PersistentID = persistentID
		c.PublicKey = peerSPKI
		if err := m.contacts.Put(c); err != nil {
			return nil, err
		}
	}
	m.emit(Event{Kind: KindHelloVerified, PersistentID: persistentID})
	return key, nil
}

func (m *Manager) sendJSON(ch signaling.Channel, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ch.Send(b)
}

// readLoop handles every message type after the handshake completes (spec
// §4.6: message/ack/edit/delete/name-update).
func (m *Manager) readLoop(ctx context.Context, persistentID string, ch signaling.Channel) {
	for {
		select {
		case data, ok := <-ch.Data():
			if !ok {
				return
			}
			m.handleFrame(persistentID, ch, data)
		case <-ch.Closed():
			return
		case <-m.stopped:
			return
		}
	}
}

func (m *Manager) handleFrame(persistentID string, ch signaling.Channel, data []byte) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return
	}

	cs := m.sessionFor(persistentID)
	cs.mu.Lock()
	key := cs.key
	cs.mu.Unlock()

	c, err := m.contacts.Get(persistentID)
	if err != nil {
		return
	}

	switch hdr.Type {
	case TypeMessage:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		content := msg.Content
		if msg.E2E {
			if key == nil {
				content = sentinelContent
			} else {
				var ok bool
				content, ok = m.openEnvelope(key, c.PublicKey, msg.CT, msg.Sig)
				if !ok {
					m.log.Debug("session: message failed envelope verification", zap.String("persistentID", persistentID), zap.String("id", msg.ID))
				}
			}
		}
		m.appendHistory(persistentID, contact.ChatMessage{ID: msg.ID, FromSelf: false, Body: content, Timestamp: time.Unix(msg.Timestamp, 0)})
		m.emit(Event{Kind: KindMessageReceived, PersistentID: persistentID, MessageID: msg.ID, Content: content})
		_ = m.sendJSON(ch, MessageAck{Type: TypeMessageAck, ID: msg.ID})

	case TypeMessageAck:
		var ack MessageAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return
		}
		cs.queue.ack(ack.ID)
		m.emit(Event{Kind: KindMessageState, PersistentID: persistentID, MessageID: ack.ID, Content: StateDelivered.String()})

	case TypeMessageEdit:
		var edit MessageEdit
		if err := json.Unmarshal(data, &edit); err != nil {
			return
		}
		content := edit.Content
		if edit.E2E {
			if key == nil {
				content = sentinelContent
			} else {
				var ok bool
				content, ok = m.openEnvelope(key, c.PublicKey, edit.CT, edit.Sig)
				if !ok {
					m.log.Debug("session: edit failed envelope verification", zap.String("persistentID", persistentID), zap.String("id", edit.ID))
				}
			}
		}
		m.applyEdit(persistentID, edit.ID, content)
		m.emit(Event{Kind: KindMessageEdited, PersistentID: persistentID, MessageID: edit.ID, Content: content})

	case TypeMessageDel:
		var del MessageDelete
		if err := json.Unmarshal(data, &del); err != nil {
			return
		}
		m.applyDelete(persistentID, del.ID)
		m.emit(Event{Kind: KindMessageDeleted, PersistentID: persistentID, MessageID: del.ID})

	case TypeNameUpdate:
		var nu NameUpdate
		if err := json.Unmarshal(data, &nu); err != nil {
			return
		}
		c.DisplayName = nu.Name
		_ = m.contacts.Put(c)
		m.emit(Event{Kind: "contact-renamed", PersistentID: persistentID, Name: nu.Name})
	}
}

// appendHistory, applyEdit, and applyDelete apply idempotently: a message
// ID already present in history is replaced in place rather than
// duplicated, so repeating an edit or delete has no further effect (spec
// §8 "Idempotence").
func (m *Manager) appendHistory(persistentID string, msg contact.ChatMessage) {
	c, err := m.contacts.Get(persistentID)
	if err != nil {
		return
	}
	for i, existing := range c.History {
		if existing.ID == msg.ID {
			c.History[i] = msg
			_ = m.contacts.Put(c)
			return
		}
	}
	c.History = append(c.History, msg)
	_ = m.contacts.Put(c)
}

func (m *Manager) applyEdit(persistentID, id, content string) {
	c, err := m.contacts.Get(persistentID)
	if err != nil {
		return
	}
	for i, existing := range c.History {
		if existing.ID == id {
			c.History[i].Body = content
			_ = m.contacts.Put(c)
			return
		}
	}
}

func (m *Manager) applyDelete(persistentID, id string) {
	c, err := m.contacts.Get(persistentID)
	if err != nil {
		return
	}
	for i, existing := range c.History {
		if existing.ID == id {
			c.History[i].Body = ""
			_ = m.contacts.Put(c)
			return
		}
	}
}
