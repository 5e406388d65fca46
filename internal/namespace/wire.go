package namespace

// Message types exchanged over namespace channels (spec.md §6 "Namespace").
const (
	TypeCheckin        = "checkin"
	TypeRegistry       = "registry"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeMigrate        = "migrate"
	TypeReverseWelcome = "reverse-welcome"
)

// Checkin is sent by a joining peer immediately after its channel to the
// router opens (spec §4.4.3 step 2).
type Checkin struct {
	Type         string `json:"type"`
	DiscoveryID  string `json:"discoveryID"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey,omitempty"`
}

// RegistryPeer is one entry in a broadcast Registry message.
type RegistryPeer struct {
	DiscoveryID  string `json:"discoveryID"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey,omitempty"`
}

// Registry is the router's full peer list, broadcast after any mutation,
// including a ping cycle that evicts an expired entry (spec §4.4.4, §4.4.7).
type Registry struct {
	Type  string         `json:"type"`
	Peers []RegistryPeer `json:"peers"`
}

// Ping is sent by the router to all peer channels every PingInterval.
type Ping struct {
	Type string `json:"type"`
}

// Pong replies to a Ping.
type Pong struct {
	Type string `json:"type"`
}

// Migrate instructs a peer to tear down and rejoin at a lower level (spec
// §4.4.6 monitor cascade).
type Migrate struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
}

// ReverseWelcome is sent by a router that successfully probed a peer's -p1
// slot (spec §4.4.5); the peer reuses this channel as its router channel.
type ReverseWelcome struct {
	Type string `json:"type"`
}
