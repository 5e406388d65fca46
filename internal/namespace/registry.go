package namespace

import (
	"encoding/hex"
	"time"

	"github.com/peerns/peerns/internal/contact"
)

// mergeRegistry replaces the peer's local registry with the router's
// broadcast, deduping by public key and resolving each entry to a local
// contact (spec §4.4.7). A public key first observed on the wire is stored
// on the contact record; no shared key is derived here.
func (e *Engine) mergeRegistry(reg Registry) {
	e.mu.Lock()
	self, hadSelf := e.registry[e.selfID]
	next := make(map[string]*RegistryEntry, len(reg.Peers)+1)
	if hadSelf {
		next[e.selfID] = self
	} else {
		next[e.selfID] = &RegistryEntry{DiscoveryID: e.selfID, FriendlyName: e.friendly(), IsMe: true}
	}

	seenKeys := make(map[string]bool)
	for _, p := range reg.Peers {
		if p.DiscoveryID == e.selfID {
			continue
		}
		var pub []byte
		if p.PublicKey != "" {
			pub, _ = hex.DecodeString(p.PublicKey)
		}
		if len(pub) > 0 {
			keyHex := hex.EncodeToString(pub)
			if seenKeys[keyHex] {
				continue // dedup: same pubkey already added under another discoveryID
			}
			seenKeys[keyHex] = true
		}
		next[p.DiscoveryID] = &RegistryEntry{
			DiscoveryID:  p.DiscoveryID,
			FriendlyName: p.FriendlyName,
			PublicKey:    pub,
		}
	}
	e.registry = next
	e.mu.Unlock()

	if e.contacts != nil {
		e.reconcileContacts(reg)
	}

	e.emit(Event{Kind: KindPeerListUpdated, Registry: e.Registry()})
}

// reconcileContacts resets every contact's onNetwork flag, then re-sets it
// for contacts matched against the merged registry by public key first,
// falling back to discovery UUID (spec §4.4.7). A contact seen for the
// first time with a public key it previously lacked has that key recorded
// as its now-immutable identity.
func (e *Engine) reconcileContacts(reg Registry) {
	for _, c := range e.contacts.List() {
		if !c.OnNetwork && c.NetworkDiscID == "" {
			continue
		}
		c.OnNetwork = false
		c.NetworkDiscID = ""
		_ = e.contacts.Put(c)
	}

	for _, p := range reg.Peers {
		var pub []byte
		if p.PublicKey != "" {
			pub, _ = hex.DecodeString(p.PublicKey)
		}
		c, ok := e.matchContact(pub, p.DiscoveryID)
		if !ok {
			continue
		}
		if len(pub) > 0 && len(c.PublicKey) == 0 {
			c.PublicKey = pub
		}
		c.OnNetwork = true
		c.NetworkDiscID = p.DiscoveryID
		c.LastSeen = time.Now()
		_ = e.contacts.Put(c)
	}
}

// matchContact resolves a registry observation to a local contact by public
// key first, falling back to the contact's cached discovery UUID re-derived
// into this namespace's discovery-ID form (spec §4.4.4, §4.4.7): a contact
// whose public key has not yet been exchanged can still be recognized once
// it has completed one handshake and disclosed its discovery UUID.
func (e *Engine) matchContact(pub []byte, discoveryID string) (contact.Contact, bool) {
	if e.contacts == nil {
		return contact.Contact{}, false
	}
	if len(pub) > 0 {
		if c, ok := e.contacts.FindByPublicKey(pub); ok {
			return c, true
		}
	}
	if discoveryID == "" {
		return contact.Contact{}, false
	}
	for _, c := range e.contacts.List() {
		if c.DiscoveryUUID == "" {
			continue
		}
		if e.cfg.DiscoveryID(c.DiscoveryUUID) == discoveryID {
			return c, true
		}
	}
	return contact.Contact{}, false
}
