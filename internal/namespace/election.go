package namespace

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/peerns/peerns/internal/signaling"
)

// elect attempts to claim the level-L router endpoint (spec §4.4.2).
func (e *Engine) elect(ctx context.Context, level int) {
	if e.isStopped() || level > MaxLevel {
		e.emit(Event{Kind: KindDiscoveryOffline, Level: level})
		return
	}

	e.mu.Lock()
	e.role = RoleJoining
	e.level = level
	e.mu.Unlock()

	sess, err := e.adapter.Claim(ctx, e.cfg.RouterID(level))
	switch {
	case err == nil:
		e.becomeRouter(ctx, level, sess)
	case errors.Is(err, signaling.ErrAlreadyTaken):
		e.join(ctx, level, 0)
	default:
		e.log.Debug("election claim failed", zap.Int("level", level), zap.Error(err))
		e.emit(Event{Kind: KindError, Level: level})
	}
}

// becomeRouter transitions this engine into the router role for level,
// wrapping around router.go's responsibilities setup.
func (e *Engine) becomeRouter(ctx context.Context, level int, sess signaling.Session) {
	e.mu.Lock()
	e.role = RoleRouter
	e.level = level
	e.routerSession = sess
	e.mu.Unlock()

	// Claim the discovery ID before inserting the self registry entry: the
	// isMe entry must be keyed by the local discovery ID (spec §3), not by
	// the router endpoint sess.Endpoint() claims.
	e.ensureDiscoverySession(ctx)

	self := e.selfEntry()
	e.mu.Lock()
	e.registry = map[string]*RegistryEntry{self.DiscoveryID: &self}
	e.mu.Unlock()

	e.startRouterAcceptLoop(ctx, sess)
	e.startPinger(ctx)
	e.startPeerSlotProbe(ctx)
	if level > 1 {
		e.startMonitor(ctx)
	}
	e.emit(Event{Kind: KindBecameRouter, Level: level})
}
