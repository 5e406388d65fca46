// Package namespace implements the Namespace Engine, spec.md §4.4: the
// reusable per-namespace state machine driving router election, registry
// gossip, failover cascade, and the NAT reverse-connect slot. One Engine
// instance exists per namespace a device has joined.
package namespace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerns/peerns/internal/contact"
	"github.com/peerns/peerns/internal/identity"
	"github.com/peerns/peerns/internal/signaling"
)

// Role is the namespace-local state variant (spec §9 "Router vs. peer:
// express as a state variant with different transition tables").
type Role int

const (
	RoleNone Role = iota
	RoleJoining
	RolePeer
	RoleRouter
)

func (r Role) String() string {
	switch r {
	case RoleJoining:
		return "joining"
	case RolePeer:
		return "peer"
	case RoleRouter:
		return "router"
	default:
		return "none"
	}
}

// JoinStatus tracks the join sub-state (spec §4.4.1).
type JoinStatus int

const (
	JoinIdle JoinStatus = iota
	JoinJoining
	JoinPeerSlot
)

// Timing constants, all named directly after spec.md §5 and §4.4.
const (
	PingInterval          = 60 * time.Second
	EntryTTL              = 90 * time.Second
	TTLGrace              = 10 * time.Second
	JoinTimeout           = 8 * time.Second
	JoinRetryDelay        = 1500 * time.Millisecond
	MaxJoinAttempts       = 3
	PeerSlotWait          = 30 * time.Second
	PeerSlotProbeInterval = 5 * time.Second
	PeerSlotRetryMin      = 3 * time.Second
	PeerSlotRetryJitter   = 2 * time.Second
	MonitorInterval       = 30 * time.Second
	FailoverJitterMax     = 3 * time.Second
	MigrateJitterMax      = 2 * time.Second
	MigrateLeadTime       = 600 * time.Millisecond
)

// RegistryEntry is one entry in a namespace's registry, keyed by discovery
// ID (spec §3).
type RegistryEntry struct {
	DiscoveryID  string
	FriendlyName string
	LastSeen     time.Time
	IsMe         bool
	PersistentID string
	PublicKey    []byte

	channel signaling.Channel // router-side only
}

// Event is emitted on an Engine's Events channel as the state machine
// progresses.
type Event struct {
	Kind     string // see Kind* constants below
	Level    int
	Registry []RegistryEntry
}

const (
	KindPeerListUpdated   = "peer-list-updated"
	KindBecameRouter      = "became-router"
	KindBecamePeer        = "became-peer"
	KindDiscoveryOffline  = "discovery-offline"
	KindError             = "error"
)

// Engine is one namespace's state machine.
type Engine struct {
	cfg       Config
	adapter   signaling.Adapter
	id        *identity.Identity
	contacts  *contact.Store
	uuid      string
	friendly  func() string
	log       *zap.Logger

	// Jitter lets tests pin the random delays spec.md's election/migrate
	// scenarios depend on (e.g. scenario 2's "1.4s jitter, seed fixed").
	// Defaults to a real random source.
	Jitter func(max time.Duration) time.Duration

	mu       sync.Mutex
	role     Role
	level    int
	registry map[string]*RegistryEntry
	selfID   string // this engine's own discoveryID, cached across role changes

	routerSession    signaling.Session
	peerChannels     map[string]signaling.Channel // router-side: discoveryID -> channel
	routerChannel    signaling.Channel             // peer-side
	discoverySession signaling.Session
	peerSlotSession  signaling.Session

	joinStatus  JoinStatus
	joinAttempt int

	stopTimers []func()
	events     chan Event
	stopped    chan struct{}
	stopOnce   sync.Once
	runOnce    sync.Once
}

// New constructs an Engine for one namespace. friendly is called lazily so
// a display-name change (spec §4.6 "name-update") is reflected on the next
// checkin/broadcast without reconstructing the Engine.
func New(cfg Config, adapter signaling.Adapter, id *identity.Identity, contacts *contact.Store, discoveryUUID string, friendly func() string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		adapter:  adapter,
		id:       id,
		contacts: contacts,
		uuid:     discoveryUUID,
		friendly: friendly,
		log:      log.With(zap.String("namespace", cfg.slug())),
		Jitter:   func(max time.Duration) time.Duration { return time.Duration(rand.Int63n(int64(max) + 1)) },

		registry:     make(map[string]*RegistryEntry),
		peerChannels: make(map[string]signaling.Channel),
		events:       make(chan Event, 32),
		stopped:      make(chan struct{}),
	}
}

// Events delivers state-machine notifications (spec §4.4.7 "emit peer-list
// update" and friends).
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Role returns the engine's current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Level returns the engine's current router level.
func (e *Engine) Level() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

// Registry returns a snapshot of the namespace registry.
func (e *Engine) Registry() []RegistryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RegistryEntry, 0, len(e.registry))
	for _, ent := range e.registry {
		out = append(out, *ent)
	}
	return out
}

// DiscoverySession exposes this device's own discovery-ID claim within the
// namespace, once established, so collaborators outside the election state
// machine (the Rendezvous Scheduler, the Session Manager) can accept direct
// connections addressed to this device without going through the router.
func (e *Engine) DiscoverySession() signaling.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discoverySession
}

// PeersHere is the count of non-self entries in the registry; this device's
// own entry is not counted.
func (e *Engine) PeersHere() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ent := range e.registry {
		if !ent.IsMe {
			n++
		}
	}
	return n
}

// Start begins the election state machine at level 1 (spec §4.4.8's Idle →
// Electing(1) transition).
func (e *Engine) Start(ctx context.Context) {
	e.runOnce.Do(func() {
		go e.elect(ctx, 1)
	})
}

// Stop tears down the namespace: cancels timers, closes channels, and
// releases the discovery-ID claim (spec §5 "Cancellation").
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.teardown(false)
	})
}

func (e *Engine) registerTimer(stop func()) {
	e.mu.Lock()
	e.stopTimers = append(e.stopTimers, stop)
	e.mu.Unlock()
}

func (e *Engine) cancelTimers() {
	e.mu.Lock()
	timers := e.stopTimers
	e.stopTimers = nil
	e.mu.Unlock()
	for _, stop := range timers {
		stop()
	}
}

// teardown tears down everything except, when pause is true, the discovery
// session (spec §5's pause semantics, §9 open question: grace window is
// empirical; this implementation keeps the claim alive indefinitely across
// a pause rather than timing it out, since nothing in spec.md bounds it).
func (e *Engine) teardown(pause bool) {
	e.cancelTimers()

	e.mu.Lock()
	if e.routerSession != nil {
		_ = e.routerSession.Close()
		e.routerSession = nil
	}
	if e.routerChannel != nil {
		_ = e.routerChannel.Close()
		e.routerChannel = nil
	}
	for _, ch := range e.peerChannels {
		_ = ch.Close()
	}
	e.peerChannels = make(map[string]signaling.Channel)
	if e.peerSlotSession != nil {
		_ = e.peerSlotSession.Close()
		e.peerSlotSession = nil
	}
	if !pause && e.discoverySession != nil {
		_ = e.discoverySession.Close()
		e.discoverySession = nil
	}
	e.registry = make(map[string]*RegistryEntry)
	e.role = RoleNone
	e.mu.Unlock()
}

func (e *Engine) isStopped() bool {
	select {
	case <-e.stopped:
		return true
	default:
		return false
	}
}

func (e *Engine) sendJSON(ch signaling.Channel, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ch.Send(b)
}

// ensureDiscoverySession claims this device's own discovery-ID endpoint,
// idempotently (spec §4.4.2 step 2 "claim own discovery ID").
func (e *Engine) ensureDiscoverySession(ctx context.Context) {
	e.mu.Lock()
	if e.discoverySession != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	discID := e.cfg.DiscoveryID(e.uuid)
	sess, err := e.adapter.Claim(ctx, discID)
	if err != nil {
		e.log.Debug("discovery claim failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.discoverySession = sess
	e.selfID = discID
	e.mu.Unlock()
}

// Recheckin re-announces this device's friendly name within the namespace
// without tearing anything down: a peer resends its Checkin to the router;
// a router updates its own registry entry and rebroadcasts (spec §4.6
// "name-update ... re-checkin to every joined namespace").
func (e *Engine) Recheckin() {
	e.mu.Lock()
	role := e.role
	routerChannel := e.routerChannel
	e.mu.Unlock()

	switch role {
	case RolePeer:
		if routerChannel == nil {
			return
		}
		spki, _ := e.id.SPKI()
		e.mu.Lock()
		discID := e.selfID
		e.mu.Unlock()
		_ = e.sendJSON(routerChannel, Checkin{
			Type:         TypeCheckin,
			DiscoveryID:  discID,
			FriendlyName: e.friendly(),
			PublicKey:    hex.EncodeToString(spki),
		})
	case RoleRouter:
		self := e.selfEntry()
		e.mu.Lock()
		e.registry[self.DiscoveryID] = &self
		e.mu.Unlock()
		e.broadcastRegistry()
	}
}

func (e *Engine) selfEntry() RegistryEntry {
	spki, _ := e.id.SPKI()
	e.mu.Lock()
	defer e.mu.Unlock()
	return RegistryEntry{DiscoveryID: e.selfID, FriendlyName: e.friendly(), LastSeen: time.Now(), IsMe: true, PublicKey: spki}
}
