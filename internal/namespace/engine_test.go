package namespace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerns/peerns/internal/identity"
	"github.com/peerns/peerns/internal/signaling"
	"github.com/peerns/peerns/internal/signaling/memadapter"
)

func testEngine(t *testing.T, dir *memadapter.Directory, uuid string) *Engine {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	e := New(Public{IP: "203.0.113.9"}, memadapter.New(dir), id, nil, uuid, func() string { return "node-" + uuid }, nil)
	e.Jitter = func(time.Duration) time.Duration { return 0 }
	return e
}

func waitForRole(t *testing.T, e *Engine, want Role, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Role() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine did not reach role %s within %s (have %s)", want, timeout, e.Role())
}

func waitForPeersHere(t *testing.T, e *Engine, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.PeersHere() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine did not reach %d peers within %s (have %d)", want, timeout, e.PeersHere())
}

// TestTwoPeerElection covers spec.md's first E2E scenario: the first
// engine to start claims the router slot, the second becomes its peer, and
// both converge on a registry of size 1 peer-here.
func TestTwoPeerElection(t *testing.T) {
	dir := memadapter.NewDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := testEngine(t, dir, "uuid-a")
	a.Start(ctx)
	waitForRole(t, a, RoleRouter, time.Second)

	b := testEngine(t, dir, "uuid-b")
	b.Start(ctx)
	waitForRole(t, b, RolePeer, time.Second)

	waitForPeersHere(t, a, 1, time.Second)
	if b.Level() != 1 {
		t.Fatalf("peer joined at level %d, want 1", b.Level())
	}

	a.Stop()
	b.Stop()
}

// TestRouterDeathFailover covers scenario 2: when the router's channel
// drops, the orphaned peer fails over and re-elects itself at level 1.
func TestRouterDeathFailover(t *testing.T) {
	dir := memadapter.NewDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := testEngine(t, dir, "uuid-a")
	a.Start(ctx)
	waitForRole(t, a, RoleRouter, time.Second)

	b := testEngine(t, dir, "uuid-b")
	b.Start(ctx)
	waitForRole(t, b, RolePeer, time.Second)
	waitForPeersHere(t, a, 1, time.Second)

	a.Stop() // router vanishes without warning

	waitForRole(t, b, RoleRouter, 2*time.Second)
	if b.Level() != 1 {
		t.Fatalf("failed-over engine claimed level %d, want 1", b.Level())
	}
	b.Stop()
}

// squatterAdapter wraps a signaling.Adapter but makes one router endpoint
// unreachable (Claim says it's taken, Connect never succeeds — as if the
// claimant never answers) and one peer-slot endpoint fail outright, so
// join's cascade (spec §4.4.6) escalates straight to the next level instead
// of retrying forever.
type squatterAdapter struct {
	inner         signaling.Adapter
	blockedRouter string
	slot          string
}

func (s *squatterAdapter) Claim(ctx context.Context, endpoint string) (signaling.Session, error) {
	switch endpoint {
	case s.blockedRouter:
		return nil, signaling.ErrAlreadyTaken
	case s.slot:
		return nil, errSquatterSlotGone
	}
	return s.inner.Claim(ctx, endpoint)
}

func (s *squatterAdapter) Connect(ctx context.Context, endpoint string) (signaling.Channel, error) {
	if endpoint == s.blockedRouter {
		return nil, signaling.ErrUnreachable
	}
	return s.inner.Connect(ctx, endpoint)
}

var errSquatterSlotGone = errors.New("squatter: slot unavailable")

// TestCascadeUnderSquatter covers scenario 3: when level 1's router and
// peer-slot endpoints are both unreachable, a new engine cascades to level
// 2 rather than getting stuck retrying level 1 forever.
func TestCascadeUnderSquatter(t *testing.T) {
	dir := memadapter.NewDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Public{IP: "203.0.113.9"}
	a := testEngine(t, dir, "uuid-a")
	a.adapter = &squatterAdapter{inner: memadapter.New(dir), blockedRouter: cfg.RouterID(1), slot: cfg.PeerSlotID()}
	a.Start(ctx)

	waitForRole(t, a, RoleRouter, 10*time.Second)
	if a.Level() != 2 {
		t.Fatalf("engine cascaded to level %d, want 2", a.Level())
	}
	a.Stop()
}

// TestRegistryDedupsByPublicKey covers the §8 "no duplicate pubkeys in the
// registry" property: a peer that rejoins under a new discovery UUID but
// the same public key replaces, rather than duplicates, its old entry.
func TestRegistryDedupsByPublicKey(t *testing.T) {
	dir := memadapter.NewDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := testEngine(t, dir, "uuid-router")
	router.Start(ctx)
	waitForRole(t, router, RoleRouter, time.Second)

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	b1 := New(Public{IP: "203.0.113.9"}, memadapter.New(dir), id, nil, "uuid-b1", func() string { return "b" }, nil)
	b1.Jitter = func(time.Duration) time.Duration { return 0 }
	b1.Start(ctx)
	waitForRole(t, b1, RolePeer, time.Second)
	waitForPeersHere(t, router, 1, time.Second)

	b2 := New(Public{IP: "203.0.113.9"}, memadapter.New(dir), id, nil, "uuid-b2", func() string { return "b" }, nil)
	b2.Jitter = func(time.Duration) time.Duration { return 0 }
	b2.Start(ctx)
	waitForRole(t, b2, RolePeer, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		count := 0
		for _, ent := range router.Registry() {
			if !ent.IsMe {
				count++
			}
		}
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry has %d non-self entries after rejoin, want 1", count)
		}
		time.Sleep(5 * time.Millisecond)
	}
	b1.Stop()
	b2.Stop()
	router.Stop()
}

func TestRoleString(t *testing.T) {
	cases := map[Role]string{RoleNone: "none", RoleJoining: "joining", RolePeer: "peer", RoleRouter: "router"}
	for role, want := range cases {
		if got := role.String(); got != want {
			t.Errorf("Role(%d).String() = %q, want %q", role, got, want)
		}
	}
}
