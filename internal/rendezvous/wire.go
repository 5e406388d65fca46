// Package rendezvous implements the Rendezvous Scheduler described in
// spec.md §4.5: when a contact's registered namespace entry goes stale, the
// two sides recover each other by meeting, at a predictable 10-minute
// interval, inside a namespace keyed by a slug only they can derive from
// their shared key.
package rendezvous

// TypeExchange is the message type exchanged once both sides of a
// recovering pair have found each other inside the rendezvous namespace.
const TypeExchange = "rvz-exchange"

// Exchange carries enough to re-confirm identity and, if the peer's
// persistent ID has changed since it was last seen, migrate the contact
// record forward (spec §4.5, §3 "identity migration").
type Exchange struct {
	Type         string `json:"type"`
	PersistentID string `json:"persistentID"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}
