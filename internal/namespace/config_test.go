package namespace_test

import (
	"testing"

	"github.com/peerns/peerns/internal/namespace"
)

func TestPublicConfigEndpointShapes(t *testing.T) {
	cfg := namespace.Public{IP: "203.0.113.7"}

	if got, want := cfg.RouterID(1), "peerns-203-0-113-7-1"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
	if got, want := cfg.DiscoveryID("abc123"), "peerns-203-0-113-7-abc123"; got != want {
		t.Fatalf("DiscoveryID: got %q want %q", got, want)
	}
	if got, want := cfg.PeerSlotID(), "peerns-203-0-113-7-p1"; got != want {
		t.Fatalf("PeerSlotID: got %q want %q", got, want)
	}
}

func TestCustomConfigSanitizesName(t *testing.T) {
	cfg := namespace.Custom{Name: "My Cool Room!!"}
	if got, want := cfg.RouterID(2), "peerns-ns-my-cool-room-2"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
}

func TestCustomConfigAdvancedModeIsVerbatim(t *testing.T) {
	cfg := namespace.Custom{Name: "Exact_Name", Advanced: true}
	if got, want := cfg.RouterID(1), "Exact_Name-1"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
}

func TestRendezvousConfigEndpointShapes(t *testing.T) {
	cfg := namespace.Rendezvous{Slug: "deadbeef"}
	if got, want := cfg.RouterID(1), "peerns-rvz-deadbeef-1"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
	if got, want := cfg.PeerSlotID(), "peerns-rvz-deadbeef-p1"; got != want {
		t.Fatalf("PeerSlotID: got %q want %q", got, want)
	}
}

func TestSanitizeSlugCollapsesSeparators(t *testing.T) {
	if got, want := namespace.SanitizeSlug("  Hello,, World__2  "), "hello-world-2"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
