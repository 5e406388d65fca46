package namespace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/peerns/peerns/internal/signaling"
)

// join attempts to open a channel to the level-L router (spec §4.4.3).
// attempt counts prior failed attempts at this level (0-based).
func (e *Engine) join(ctx context.Context, level int, attempt int) {
	if e.isStopped() {
		return
	}

	e.mu.Lock()
	e.joinStatus = JoinJoining
	e.joinAttempt = attempt
	e.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, JoinTimeout)
	ch, err := e.adapter.Connect(dialCtx, e.cfg.RouterID(level))
	cancel()

	if err != nil {
		e.joinFailed(ctx, level, attempt)
		return
	}

	spki, _ := e.id.SPKI()
	checkin := Checkin{
		Type:         TypeCheckin,
		DiscoveryID:  e.cfg.DiscoveryID(e.uuid),
		FriendlyName: e.friendly(),
		PublicKey:    hex.EncodeToString(spki),
	}
	if err := e.sendJSON(ch, checkin); err != nil {
		_ = ch.Close()
		e.joinFailed(ctx, level, attempt)
		return
	}

	e.mu.Lock()
	e.role = RolePeer
	e.level = level
	e.routerChannel = ch
	e.selfID = checkin.DiscoveryID
	e.joinStatus = JoinIdle
	e.joinAttempt = 0
	e.mu.Unlock()

	e.ensureDiscoverySession(ctx)
	if level > 1 {
		e.startMonitor(ctx)
	}
	e.emit(Event{Kind: KindBecamePeer, Level: level})

	go e.peerReadLoop(ctx, level, ch)
}

func (e *Engine) joinFailed(ctx context.Context, level, attempt int) {
	if attempt+1 < MaxJoinAttempts {
		t := time.AfterFunc(JoinRetryDelay, func() { e.join(ctx, level, attempt+1) })
		e.registerTimer(func() { t.Stop() })
		return
	}
	e.attemptPeerSlot(ctx, level)
}

// peerReadLoop handles inbound messages on the channel to our router (spec
// §4.4.3 step 3) until it closes, at which point failover runs.
func (e *Engine) peerReadLoop(ctx context.Context, level int, ch signaling.Channel) {
	for {
		select {
		case data, ok := <-ch.Data():
			if !ok {
				_ = ch.Close()
				if e.isStopped() {
					return
				}
				e.failover(ctx)
				return
			}
			e.handlePeerMessage(ctx, level, data)
		case <-ch.Closed():
			if e.isStopped() {
				return
			}
			e.failover(ctx)
			return
		}
	}
}

func (e *Engine) handlePeerMessage(ctx context.Context, level int, data []byte) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		e.log.Debug("malformed namespace message", zap.Error(err))
		return
	}

	switch hdr.Type {
	case TypeRegistry:
		var reg Registry
		if err := json.Unmarshal(data, &reg); err != nil {
			return
		}
		e.mergeRegistry(reg)
	case TypePing:
		e.mu.Lock()
		ch := e.routerChannel
		e.mu.Unlock()
		if ch != nil {
			_ = e.sendJSON(ch, Pong{Type: TypePong})
		}
	case TypeMigrate:
		var m Migrate
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		go e.migrateTo(ctx, m.Level)
	case TypeReverseWelcome:
		e.onReverseWelcome(ctx, level)
	}
}
