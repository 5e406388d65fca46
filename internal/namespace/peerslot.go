package namespace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/peerns/peerns/internal/signaling"
)

// attemptPeerSlot is the peer side of the NAT reverse-connect slot (spec
// §4.4.5): claim peerSlotID(), wait up to PeerSlotWait for the router's
// probe, or escalate to level+1 if nothing arrives.
func (e *Engine) attemptPeerSlot(ctx context.Context, level int) {
	if e.isStopped() {
		return
	}

	e.mu.Lock()
	e.joinStatus = JoinPeerSlot
	e.mu.Unlock()

	var sess signaling.Session
	for {
		s, err := e.adapter.Claim(ctx, e.cfg.PeerSlotID())
		if err == nil {
			sess = s
			break
		}
		if !errors.Is(err, signaling.ErrAlreadyTaken) {
			e.log.Debug("peer-slot claim failed", zap.Error(err))
			e.elect(ctx, level+1)
			return
		}
		delay := PeerSlotRetryMin + e.Jitter(PeerSlotRetryJitter)
		select {
		case <-time.After(delay):
		case <-e.stopped:
			return
		case <-ctx.Done():
			return
		}
	}

	e.mu.Lock()
	e.peerSlotSession = sess
	e.mu.Unlock()

	select {
	case ch, ok := <-sess.Accept():
		if !ok {
			e.escalateFromPeerSlot(ctx, sess, level)
			return
		}
		e.onPeerSlotProbeConnected(ctx, sess, level, ch)
	case <-time.After(PeerSlotWait):
		e.escalateFromPeerSlot(ctx, sess, level)
	case <-e.stopped:
		_ = sess.Close()
	case <-ctx.Done():
		_ = sess.Close()
	}
}

func (e *Engine) escalateFromPeerSlot(ctx context.Context, sess signaling.Session, level int) {
	_ = sess.Close()
	e.mu.Lock()
	if e.peerSlotSession == sess {
		e.peerSlotSession = nil
	}
	e.mu.Unlock()
	e.elect(ctx, level+1)
}

// onPeerSlotProbeConnected expects the router's reverse-welcome as the
// first message on ch, then reuses ch as the router channel.
func (e *Engine) onPeerSlotProbeConnected(ctx context.Context, sess signaling.Session, level int, ch signaling.Channel) {
	select {
	case data, ok := <-ch.Data():
		if !ok {
			e.escalateFromPeerSlot(ctx, sess, level)
			return
		}
		var hdr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &hdr); err != nil || hdr.Type != TypeReverseWelcome {
			_ = ch.Close()
			e.escalateFromPeerSlot(ctx, sess, level)
			return
		}
	case <-time.After(PeerSlotWait):
		_ = ch.Close()
		e.escalateFromPeerSlot(ctx, sess, level)
		return
	}

	_ = sess.Close() // free the -p1 slot now that we have a router channel
	e.mu.Lock()
	if e.peerSlotSession == sess {
		e.peerSlotSession = nil
	}
	e.mu.Unlock()
	e.onReverseWelcome(ctx, level)
	e.routerChannelEstablished(ctx, level, ch)
}

// onReverseWelcome is also reached via the router-channel read path when a
// reverse-welcome arrives on an already-open channel.
func (e *Engine) onReverseWelcome(ctx context.Context, level int) {
	e.mu.Lock()
	e.role = RolePeer
	e.level = level
	e.joinStatus = JoinIdle
	e.mu.Unlock()
	e.ensureDiscoverySession(ctx)
	if level > 1 {
		e.startMonitor(ctx)
	}
	e.emit(Event{Kind: KindBecamePeer, Level: level})
}

// routerChannelEstablished wires up ch as the peer's router channel, sends
// the checkin the router is waiting for, and starts the read loop.
func (e *Engine) routerChannelEstablished(ctx context.Context, level int, ch signaling.Channel) {
	e.mu.Lock()
	e.routerChannel = ch
	e.selfID = e.cfg.DiscoveryID(e.uuid)
	e.mu.Unlock()

	spki, _ := e.id.SPKI()
	checkin := Checkin{Type: TypeCheckin, DiscoveryID: e.selfIDLocked(), FriendlyName: e.friendly(), PublicKey: hex.EncodeToString(spki)}
	_ = e.sendJSON(ch, checkin)

	go e.peerReadLoop(ctx, level, ch)
}

func (e *Engine) selfIDLocked() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// startPeerSlotProbe is the router side of §4.4.5: probe the namespace's
// own -p1 slot every PeerSlotProbeInterval, and on a successful connect,
// welcome the waiting peer and absorb it as a normal checkin.
func (e *Engine) startPeerSlotProbe(ctx context.Context) {
	ticker := time.NewTicker(PeerSlotProbeInterval)
	stop := make(chan struct{})
	e.registerTimer(func() { ticker.Stop(); close(stop) })

	go func() {
		for {
			select {
			case <-ticker.C:
				e.probePeerSlotOnce(ctx)
			case <-stop:
				return
			case <-e.stopped:
				return
			}
		}
	}()
}

func (e *Engine) probePeerSlotOnce(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, PeerSlotProbeInterval)
	ch, err := e.adapter.Connect(dialCtx, e.cfg.PeerSlotID())
	cancel()
	if err != nil {
		return
	}
	if err := e.sendJSON(ch, ReverseWelcome{Type: TypeReverseWelcome}); err != nil {
		_ = ch.Close()
		return
	}
	go e.handleInbound(ctx, ch)
}
