package namespace

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLevel is the highest router level an Engine will escalate to before
// giving up and reporting discovery-offline (spec §4.4.6).
const MaxLevel = 5

// Config is the sum type from spec.md §9 "Polymorphism over namespace
// kind": public/custom/rendezvous differ only in their three pure
// endpoint-string builders.
type Config interface {
	// RouterID is the signaling endpoint for the namespace's level-L router.
	RouterID(level int) string
	// DiscoveryID is the signaling endpoint for one device's own discovery
	// claim within the namespace, derived from a stable local UUID.
	DiscoveryID(uuid string) string
	// PeerSlotID is the reverse-connect endpoint a NAT-blocked peer claims.
	PeerSlotID() string
	// slug returns the human-readable namespace identity for logging.
	slug() string
}

// Prefix is the application namespace prepended to every signaling
// endpoint (spec §6).
const Prefix = "peerns"

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeSlug lowercases name and collapses everything but letters and
// digits into single hyphens, the "sanitized lowercase form" spec.md §4.4
// requires of non-advanced custom namespaces.
func SanitizeSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// DashIP renders an IPv4/IPv6 literal with dots and colons replaced by
// dashes, the "ip-with-dashes" form spec.md §6 specifies for public
// namespaces.
func DashIP(ip string) string {
	s := strings.ReplaceAll(ip, ".", "-")
	s = strings.ReplaceAll(s, ":", "-")
	return s
}

// Public is the namespace config keyed by a device's detected public IP
// address.
type Public struct {
	IP string
}

func (p Public) RouterID(level int) string      { return fmt.Sprintf("%s-%s-%d", Prefix, DashIP(p.IP), level) }
func (p Public) DiscoveryID(uuid string) string { return fmt.Sprintf("%s-%s-%s", Prefix, DashIP(p.IP), uuid) }
func (p Public) PeerSlotID() string             { return fmt.Sprintf("%s-%s-p1", Prefix, DashIP(p.IP)) }
func (p Public) slug() string                   { return "public:" + p.IP }

// Custom is a user-named namespace. In Advanced mode the name is used
// verbatim (after basic sanitization-free passthrough); otherwise it is
// sanitized to a lowercase slug.
type Custom struct {
	Name     string
	Advanced bool
}

func (c Custom) namePart() string {
	if c.Advanced {
		return c.Name
	}
	return SanitizeSlug(c.Name)
}

func (c Custom) RouterID(level int) string {
	if c.Advanced {
		return fmt.Sprintf("%s-%d", c.namePart(), level)
	}
	return fmt.Sprintf("%s-ns-%s-%d", Prefix, c.namePart(), level)
}

func (c Custom) DiscoveryID(uuid string) string {
	if c.Advanced {
		return fmt.Sprintf("%s-%s", c.namePart(), uuid)
	}
	return fmt.Sprintf("%s-ns-%s-%s", Prefix, c.namePart(), uuid)
}

func (c Custom) PeerSlotID() string {
	if c.Advanced {
		return fmt.Sprintf("%s-p1", c.namePart())
	}
	return fmt.Sprintf("%s-ns-%s-p1", Prefix, c.namePart())
}

func (c Custom) slug() string { return "custom:" + c.namePart() }

// Rendezvous is a time-windowed namespace keyed by an HMAC slug derived
// from a shared key (spec §4.2, §4.5).
type Rendezvous struct {
	Slug string
}

func (r Rendezvous) RouterID(level int) string {
	return fmt.Sprintf("%s-rvz-%s-%d", Prefix, r.Slug, level)
}

func (r Rendezvous) DiscoveryID(uuid string) string {
	return fmt.Sprintf("%s-rvz-%s-%s", Prefix, r.Slug, uuid)
}

func (r Rendezvous) PeerSlotID() string {
	return fmt.Sprintf("%s-rvz-%s-p1", Prefix, r.Slug)
}

func (r Rendezvous) slug() string { return "rendezvous:" + r.Slug }

var (
	_ Config = Public{}
	_ Config = Custom{}
	_ Config = Rendezvous{}
)
