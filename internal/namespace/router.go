package namespace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/peerns/peerns/internal/signaling"
)

// startRouterAcceptLoop accepts inbound channels on the router session and
// hands each one to handleInbound (spec §4.4.4).
func (e *Engine) startRouterAcceptLoop(ctx context.Context, sess signaling.Session) {
	go func() {
		for {
			select {
			case ch, ok := <-sess.Accept():
				if !ok {
					return
				}
				go e.handleInbound(ctx, ch)
			case <-e.stopped:
				return
			}
		}
	}()
}

// handleInbound waits for a checkin on a freshly accepted channel, then
// reads further messages (ping replies are irrelevant on the router side;
// a peer only ever pongs, which the router does not need to act on beyond
// refreshing last-seen) until the channel closes.
func (e *Engine) handleInbound(ctx context.Context, ch signaling.Channel) {
	var discID string
	select {
	case data, ok := <-ch.Data():
		if !ok {
			_ = ch.Close()
			return
		}
		id, err := e.handleCheckin(data, ch)
		if err != nil {
			e.log.Debug("checkin rejected", zap.Error(err))
			_ = ch.Close()
			return
		}
		discID = id
	case <-ch.Closed():
		return
	}

	for {
		select {
		case data, ok := <-ch.Data():
			if !ok {
				e.onRouterChannelClosed(discID)
				return
			}
			e.touchLastSeen(discID)
			var hdr struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &hdr); err == nil && hdr.Type == TypeCheckin {
				_, _ = e.handleCheckin(data, ch)
			}
		case <-ch.Closed():
			e.onRouterChannelClosed(discID)
			return
		case <-e.stopped:
			return
		}
	}
}

// handleCheckin dedupes the registry by public key, resolves a local
// contact, inserts/replaces the entry, and broadcasts the updated registry
// (spec §4.4.4).
func (e *Engine) handleCheckin(data []byte, ch signaling.Channel) (string, error) {
	var in Checkin
	if err := json.Unmarshal(data, &in); err != nil {
		return "", err
	}

	var pub []byte
	if in.PublicKey != "" {
		pub, _ = hex.DecodeString(in.PublicKey)
	}

	var persistentID string
	if e.contacts != nil {
		if c, ok := e.matchContact(pub, in.DiscoveryID); ok {
			persistentID = c.PersistentID
		}
	}

	e.mu.Lock()
	// Dedup by public key: remove any older entry carrying the same key.
	if len(pub) > 0 {
		for id, ent := range e.registry {
			if id == in.DiscoveryID || ent.IsMe {
				continue
			}
			if hex.EncodeToString(ent.PublicKey) == hex.EncodeToString(pub) {
				delete(e.registry, id)
				if old, ok := e.peerChannels[id]; ok {
					_ = old.Close()
					delete(e.peerChannels, id)
				}
			}
		}
	}
	e.registry[in.DiscoveryID] = &RegistryEntry{
		DiscoveryID:  in.DiscoveryID,
		FriendlyName: in.FriendlyName,
		LastSeen:     time.Now(),
		PersistentID: persistentID,
		PublicKey:    pub,
		channel:      ch,
	}
	e.peerChannels[in.DiscoveryID] = ch
	e.mu.Unlock()

	e.broadcastRegistry()
	return in.DiscoveryID, nil
}

func (e *Engine) touchLastSeen(discID string) {
	e.mu.Lock()
	if ent, ok := e.registry[discID]; ok {
		ent.LastSeen = time.Now()
	}
	e.mu.Unlock()
}

func (e *Engine) onRouterChannelClosed(discID string) {
	if discID == "" {
		return
	}
	e.mu.Lock()
	delete(e.registry, discID)
	delete(e.peerChannels, discID)
	e.mu.Unlock()
	e.broadcastRegistry()
}

// broadcastRegistry sends the full registry to every non-self peer (spec
// §4.4.4).
func (e *Engine) broadcastRegistry() {
	e.mu.Lock()
	peers := make([]RegistryPeer, 0, len(e.registry))
	for _, ent := range e.registry {
		peers = append(peers, RegistryPeer{
			DiscoveryID:  ent.DiscoveryID,
			FriendlyName: ent.FriendlyName,
			PublicKey:    hex.EncodeToString(ent.PublicKey),
		})
	}
	channels := make([]signaling.Channel, 0, len(e.peerChannels))
	for _, ch := range e.peerChannels {
		channels = append(channels, ch)
	}
	e.mu.Unlock()

	msg := Registry{Type: TypeRegistry, Peers: peers}
	for _, ch := range channels {
		_ = e.sendJSON(ch, msg)
	}
	e.emit(Event{Kind: KindPeerListUpdated, Registry: e.Registry()})
}

// startPinger runs the router's PingInterval ping/evict cycle (spec
// §4.4.4).
func (e *Engine) startPinger(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	stop := make(chan struct{})
	e.registerTimer(func() { ticker.Stop(); close(stop) })

	go func() {
		for {
			select {
			case <-ticker.C:
				e.pingCycle()
			case <-stop:
				return
			case <-e.stopped:
				return
			}
		}
	}()
}

func (e *Engine) pingCycle() {
	e.mu.Lock()
	channels := make([]signaling.Channel, 0, len(e.peerChannels))
	for _, ch := range e.peerChannels {
		channels = append(channels, ch)
	}
	e.mu.Unlock()

	for _, ch := range channels {
		_ = e.sendJSON(ch, Ping{Type: TypePing})
	}

	deadline := time.Now().Add(-(EntryTTL + TTLGrace))
	e.mu.Lock()
	evicted := false
	for id, ent := range e.registry {
		if ent.IsMe || ent.LastSeen.After(deadline) {
			continue
		}
		delete(e.registry, id)
		if ch, ok := e.peerChannels[id]; ok {
			_ = ch.Close()
			delete(e.peerChannels, id)
		}
		evicted = true
	}
	e.mu.Unlock()

	if evicted {
		e.broadcastRegistry()
	}
}
