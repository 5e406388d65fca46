// Package session implements the Session Manager described in spec.md §4.6:
// a persistent per-contact channel, a signed hello handshake, E2E-encrypted
// message envelopes with ack/edit/delete, and queued delivery with retry.
package session

import "fmt"

// Wire message types (spec §6 "Session" and "Text").
const (
	TypeHello       = "hello"
	TypeMessage     = "message"
	TypeMessageAck  = "message-ack"
	TypeMessageEdit = "message-edit"
	TypeMessageDel  = "message-delete"
	TypeNameUpdate  = "name-update"

	TypeHandshakeRequest  = "request"
	TypeHandshakeAccepted = "accepted"
	TypeHandshakeConfirm  = "confirm"
	TypeHandshakeRejected = "rejected"
)

// Hello is exchanged, signed, immediately after a channel to a contact's
// persistent ID opens (spec §4.6).
type Hello struct {
	Type         string `json:"type"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey"`
	Timestamp    int64  `json:"ts"`
	Signature    string `json:"signature"`
}

// Message is the wire shape of a text message, either plaintext
// (Content set) or E2E (E2E true, IV/CT/Sig set) — spec §4.6.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	E2E       bool   `json:"e2e,omitempty"`
	IV        string `json:"iv,omitempty"`
	CT        string `json:"ct,omitempty"`
	Sig       string `json:"sig,omitempty"`
	Content   string `json:"content,omitempty"`
}

// MessageAck acknowledges receipt of a Message by ID.
type MessageAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// MessageEdit carries a replacement body for a previously sent message,
// under the same E2E envelope rules as Message.
type MessageEdit struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	E2E       bool   `json:"e2e,omitempty"`
	IV        string `json:"iv,omitempty"`
	CT        string `json:"ct,omitempty"`
	Sig       string `json:"sig,omitempty"`
	Content   string `json:"content,omitempty"`
}

// MessageDelete tombstones a previously sent message by ID.
type MessageDelete struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NameUpdate is broadcast over every open channel on a display-name change
// (spec §4.6 "Name updates").
type NameUpdate struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// HandshakeRequest opens a new-contact handshake (spec §6/§7): sent by the
// requester over a channel dialed to the recipient's persistent ID, when the
// requester's local contact record for the recipient has no PublicKey yet
// (added via an invite code that only carried PersistentID+DisplayName).
// Signed the same way Hello is, over its own fields, so the recipient can
// verify the claimed public key before recording anything.
type HandshakeRequest struct {
	Type         string `json:"type"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey"`
	PersistentID string `json:"persistentID"`
	Timestamp    int64  `json:"ts"`
	Signature    string `json:"signature"`
}

// HandshakeAccepted is the recipient's first reply once a human accepts an
// incoming request: just enough for the requester to recognize the contact
// is now reachable, prior to the public key's PendingVerified confirmation
// in HandshakeConfirm.
type HandshakeAccepted struct {
	Type          string `json:"type"`
	PersistentID  string `json:"persistentID"`
	DiscoveryUUID string `json:"discoveryUUID"`
}

// HandshakeConfirm follows HandshakeAccepted immediately, over the same
// channel, carrying the recipient's full identity bundle — including the
// public key HandshakeAccepted omitted, so the requester only trusts a key
// it receives after having already accepted the contact into its own
// pending state.
type HandshakeConfirm struct {
	Type          string `json:"type"`
	PersistentID  string `json:"persistentID"`
	FriendlyName  string `json:"friendlyName"`
	DiscoveryUUID string `json:"discoveryUUID"`
	PublicKey     string `json:"publicKey"`
}

// HandshakeRejected declines a request; neither side's contact record gains
// a public key, and both are left with PendingState none.
type HandshakeRejected struct {
	Type string `json:"type"`
}

func handshakeSigningPayload(req HandshakeRequest) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d", req.Type, req.FriendlyName, req.PersistentID, req.Timestamp))
}

// MessageState is the local lifecycle of a sent message (spec §4.6).
type MessageState int

const (
	StateWaiting MessageState = iota
	StateSent
	StateDelivered
	StateFailed
)

func (s MessageState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "waiting"
	}
}

// sentinelContent replaces the body of a message whose E2E envelope fails
// to verify or decrypt (spec §7 "signature-invalid"/"decrypt-failed":
// logged, not dropped).
const sentinelContent = "[message could not be verified]"
