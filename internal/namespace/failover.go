package namespace

import (
	"context"
	"time"

	"github.com/peerns/peerns/internal/signaling"
)

// failover runs when a peer's router channel closes unexpectedly (spec
// §4.4.6): jitter briefly, tear everything down but the discovery claim,
// and restart the election cascade from level 1.
func (e *Engine) failover(ctx context.Context) {
	if e.isStopped() {
		return
	}
	select {
	case <-time.After(e.Jitter(FailoverJitterMax)):
	case <-e.stopped:
		return
	case <-ctx.Done():
		return
	}
	e.teardown(true)
	e.elect(ctx, 1)
}

// startMonitor periodically checks whether a lower level has become
// reachable, so a node stuck at level L>1 migrates back down when it can
// (spec §4.4.6).
func (e *Engine) startMonitor(ctx context.Context) {
	ticker := time.NewTicker(MonitorInterval)
	stop := make(chan struct{})
	e.registerTimer(func() { ticker.Stop(); close(stop) })

	go func() {
		for {
			select {
			case <-ticker.C:
				e.monitorTick(ctx)
			case <-stop:
				return
			case <-e.stopped:
				return
			}
		}
	}()
}

func (e *Engine) monitorTick(ctx context.Context) {
	e.mu.Lock()
	level := e.level
	role := e.role
	e.mu.Unlock()
	if level <= 1 {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, JoinTimeout)
	ch, err := e.adapter.Connect(probeCtx, e.cfg.RouterID(1))
	cancel()

	if err == nil {
		_ = ch.Close()
		e.migrateDownTo(ctx, 1)
		return
	}

	if role != RoleRouter {
		return
	}

	sess, claimErr := e.adapter.Claim(ctx, e.cfg.RouterID(1))
	if claimErr != nil {
		return
	}
	e.reclaimRouter(ctx, sess, 1)
}

// migrateDownTo tells any peers we currently route (if we are a router)
// to follow us down, waits MigrateLeadTime, then tears down and rejoins
// at the target level.
func (e *Engine) migrateDownTo(ctx context.Context, level int) {
	e.mu.Lock()
	role := e.role
	channels := make([]signaling.Channel, 0, len(e.peerChannels))
	for _, ch := range e.peerChannels {
		channels = append(channels, ch)
	}
	e.mu.Unlock()

	if role == RoleRouter {
		for _, ch := range channels {
			_ = e.sendJSON(ch, Migrate{Type: TypeMigrate, Level: level})
		}
		time.Sleep(MigrateLeadTime)
	}

	e.teardown(true)
	e.elect(ctx, level)
}

// reclaimRouter switches this node's router claim down to level, having
// already secured sess, and tells existing peers to follow.
func (e *Engine) reclaimRouter(ctx context.Context, sess signaling.Session, level int) {
	e.mu.Lock()
	channels := make([]signaling.Channel, 0, len(e.peerChannels))
	for _, ch := range e.peerChannels {
		channels = append(channels, ch)
	}
	e.mu.Unlock()

	for _, ch := range channels {
		_ = e.sendJSON(ch, Migrate{Type: TypeMigrate, Level: level})
	}
	time.Sleep(MigrateLeadTime)

	e.teardown(true)
	e.becomeRouter(ctx, level, sess)
}

// migrateTo is the peer-side handler for an incoming Migrate message
// (spec §4.4.6): jitter, tear down, and rejoin at the directed level.
func (e *Engine) migrateTo(ctx context.Context, level int) {
	if e.isStopped() {
		return
	}
	select {
	case <-time.After(e.Jitter(MigrateJitterMax)):
	case <-e.stopped:
		return
	case <-ctx.Done():
		return
	}
	e.teardown(true)
	e.elect(ctx, level)
}
