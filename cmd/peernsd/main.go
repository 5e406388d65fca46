// Command peernsd runs the peerns daemon: identity, contacts, namespace
// election on the device's public IP (and one configured custom namespace,
// if set), rendezvous recovery, and the session manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerns/peerns/internal/config"
	"github.com/peerns/peerns/internal/contact"
	"github.com/peerns/peerns/internal/identity"
	"github.com/peerns/peerns/internal/logging"
	"github.com/peerns/peerns/internal/namespace"
	"github.com/peerns/peerns/internal/peernserr"
	"github.com/peerns/peerns/internal/proto"
	"github.com/peerns/peerns/internal/rendezvous"
	"github.com/peerns/peerns/internal/session"
	"github.com/peerns/peerns/internal/signaling/quicadapter"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:], stdout, stderr)
	case "invite":
		return runInvite(args[1:], stdout, stderr)
	case "add-contact":
		return runAddContact(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: peernsd <run|invite|add-contact> [args]")
	fmt.Fprintln(w, "  run         --data <dir> [--config <file>] [--namespace <name>]")
	fmt.Fprintln(w, "  invite      --data <dir>")
	fmt.Fprintln(w, "  add-contact --data <dir> --code <invite-code> --name <display-name>")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".peerns")
}

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", homeDir(), "data directory (identity, contacts)")
	configFile := fs.String("config", "", "optional config file overlay")
	customNS := fs.String("namespace", "", "optional custom namespace name to also join")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *customNS != "" {
		cfg.Namespace = *customNS
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "build logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	id, err := identity.LoadOrGenerate(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "load identity: %v\n", err)
		return 1
	}
	contacts, err := contact.Open(filepath.Join(cfg.DataDir, "contacts.jsonl"))
	if err != nil {
		fmt.Fprintf(stderr, "open contact store: %v\n", err)
		return 1
	}

	if cfg.DirectoryURL == "" {
		fmt.Fprintln(stderr, "missing directory_url (set PEERNS_DIRECTORY_URL or pass --config)")
		return 1
	}
	certs := quicadapter.NewDevCertProvider(id.PersistentID)
	dir := quicadapter.NewHTTPDirectory(cfg.DirectoryURL)
	adapter := quicadapter.New(cfg.ListenAddr, dir, certs)
	adapter.SetTypeCap(wireTypeCap)

	friendlyName := cfg.DataDir
	friendly := func() string { return friendlyName }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// discoveryUUID is a device-local opaque token embedded in discovery
	// endpoint strings (spec §6) — distinct from the trust-bearing
	// PersistentID, so it's minted fresh here rather than reusing it. The
	// session manager also discloses it in a new contact's handshake
	// accepted/confirm messages, so it has to exist before session.New.
	discoveryUUID := uuid.NewString()

	sessions := session.New(contacts, id, adapter, friendly, discoveryUUID, log)
	// A request is auto-accepted only when this side already expects it: a
	// contact record with an outstanding outgoing handshake means both ends
	// ran add-contact against each other's invite codes. Anything else waits
	// for an operator to call AcceptHandshake/RejectHandshake explicitly.
	sessions.OnHandshakeRequest = func(persistentID string) bool {
		c, err := contacts.Get(persistentID)
		return err == nil && c.PendingState == contact.PendingOutgoing
	}
	scheduler := rendezvous.New(contacts, id, adapter, friendly, log)
	scheduler.Skip = sessions.IsConnected
	scheduler.OnRecovered = func(c contact.Contact) {
		_, _ = sessions.Send(ctx, c.PersistentID, "")
	}
	sessions.OnExhausted = func(persistentID string) {
		scheduler.Start(ctx)
	}

	if err := sessions.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "start session manager: %v\n", err)
		return 1
	}
	scheduler.Start(ctx)

	engines := make([]*namespace.Engine, 0, 2)
	if ip, err := detectPublicIP(); err != nil {
		log.Warn("public IP undetectable; public namespace disabled", zap.Error(err))
	} else {
		eng := namespace.New(namespace.Public{IP: ip}, adapter, id, contacts, discoveryUUID, friendly, log)
		eng.Start(ctx)
		engines = append(engines, eng)
	}
	if cfg.Namespace != "" {
		eng := namespace.New(namespace.Custom{Name: cfg.Namespace}, adapter, id, contacts, discoveryUUID, friendly, log)
		eng.Start(ctx)
		engines = append(engines, eng)
	}

	fmt.Fprintf(stdout, "READY persistentID=%s dataDir=%s\n", id.PersistentID, cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	sessions.Stop()
	scheduler.Stop()
	for _, eng := range engines {
		eng.Stop()
	}
	return 0
}

func runInvite(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", homeDir(), "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	id, err := identity.LoadOrGenerate(*dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "load identity: %v\n", err)
		return 1
	}
	spki, err := id.SPKI()
	if err != nil {
		fmt.Fprintf(stderr, "read public key: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, identity.ShortInviteCode(spki, id.PersistentID))
	return 0
}

func runAddContact(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("add-contact", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", homeDir(), "data directory")
	code := fs.String("code", "", "invite code from the other side's `invite` command")
	name := fs.String("name", "", "display name for this contact")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *code == "" {
		fmt.Fprintln(stderr, "missing --code")
		return 1
	}

	_, persistentID, err := identity.ParseInviteCode(*code)
	if err != nil {
		fmt.Fprintf(stderr, "parse invite code: %v\n", err)
		return 1
	}

	contacts, err := contact.Open(filepath.Join(*dataDir, "contacts.jsonl"))
	if err != nil {
		fmt.Fprintf(stderr, "open contact store: %v\n", err)
		return 1
	}
	if err := contacts.Put(contact.Contact{PersistentID: persistentID, DisplayName: *name, PendingState: contact.PendingOutgoing}); err != nil {
		fmt.Fprintf(stderr, "save contact: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "added contact %s (public key pending verification on first session)\n", persistentID)
	return 0
}

// wireTypeCap gives internal/namespace.TypeRegistry (the one message type
// that scales with peer count, spec §4.4.4) a generous ceiling and leaves
// every other fixed-shape namespace and session message type at a small
// fixed cap, so a misbehaving peer can't force a multi-hundred-KB read for a
// checkin or a hello (quicadapter.Adapter.SetTypeCap, spec.md §4.1).
func wireTypeCap(msgType string) int {
	switch msgType {
	case namespace.TypeRegistry:
		return proto.MaxFrameSize
	case namespace.TypeCheckin, namespace.TypePing, namespace.TypePong, namespace.TypeMigrate, namespace.TypeReverseWelcome,
		session.TypeHello, session.TypeMessageAck, session.TypeNameUpdate,
		session.TypeHandshakeRequest, session.TypeHandshakeAccepted, session.TypeHandshakeConfirm, session.TypeHandshakeRejected:
		return 4 << 10
	case session.TypeMessage, session.TypeMessageEdit, session.TypeMessageDel:
		return proto.SoftMaxFrameSize
	default:
		return 0
	}
}

// detectPublicIP dials out to a well-known public resolver and reads back
// the local address the kernel chose for the route, the common
// no-server-needed trick for guessing one's own public IP absent a STUN
// service — spec.md is silent on the mechanism and out of scope per §1's
// "the underlying signaling/transport library itself" exclusion, so this is
// this daemon's own minimal stand-in (§7 "ip-undetectable" on failure).
func detectPublicIP() (string, error) {
	conn, err := net.Dial("udp", "1.1.1.1:80")
	if err != nil {
		return "", fmt.Errorf("%w: %v", peernserr.ErrIPUndetectable, err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return "", fmt.Errorf("%w: could not resolve local address", peernserr.ErrIPUndetectable)
	}
	return addr.IP.String(), nil
}
