// Package quicadapter implements signaling.Adapter over QUIC streams,
// generalizing the teacher's internal/network.ListenAndServeWithReady/Send
// loop from a single fire-and-forget send per connection into persistent,
// bidirectional, length-framed signaling.Channels.
package quicadapter

import (
	"context"
	"fmt"
	"io"
	"sync"

	quic "github.com/quic-go/quic-go"

	"github.com/peerns/peerns/internal/proto"
	"github.com/peerns/peerns/internal/signaling"
)

// Adapter is a signaling.Adapter backed by one shared QUIC listener and a
// Directory for endpoint claim/lookup.
type Adapter struct {
	listenAddr string
	dir        Directory
	certs      CertProvider
	typeCap    func(msgType string) int

	mu       sync.Mutex
	listener *quic.Listener
	sessions map[string]*session // endpoint -> owning session, for routing inbound conns
}

// New returns an Adapter that listens on listenAddr and resolves endpoints
// through dir. Every frame is read at proto.SoftMaxFrameSize until
// SetTypeCap installs a domain-specific policy.
func New(listenAddr string, dir Directory, certs CertProvider) *Adapter {
	return &Adapter{listenAddr: listenAddr, dir: dir, certs: certs, sessions: make(map[string]*session)}
}

// SetTypeCap installs the per-message-type size ceiling streamChannel reads
// apply above proto.SoftMaxFrameSize (spec's namespace registry broadcasts
// scale with peer count, unlike the fixed-shape session and handshake
// messages, so one soft cap for every type would either reject legitimate
// registries or let everything else balloon to MaxFrameSize). Callers pass
// a function built from their own wire-type tables; a nil typeCap falls
// back to the fixed SoftMaxFrameSize ceiling for every type.
func (a *Adapter) SetTypeCap(typeCap func(msgType string) int) {
	a.mu.Lock()
	a.typeCap = typeCap
	a.mu.Unlock()
}

func (a *Adapter) ensureListener(ctx context.Context) (*quic.Listener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener, nil
	}
	tlsConf, err := serverTLSConfig(a.certs)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(a.listenAddr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signaling.ErrUnreachable, err)
	}
	a.listener = ln
	go a.acceptLoop(ln)
	return ln, nil
}

// acceptLoop accepts inbound QUIC connections and, per connection, inbound
// streams, framing each stream as a signaling.Channel. The first frame on a
// fresh stream carries the claimed endpoint the dialer is connecting to, so
// this one listener can serve every locally-claimed endpoint.
func (a *Adapter) acceptLoop(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		go a.acceptStreams(conn)
	}
}

func (a *Adapter) acceptStreams(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go a.acceptStream(stream)
	}
}

func (a *Adapter) acceptStream(stream *quic.Stream) {
	hello, err := proto.ReadFrame(stream)
	if err != nil {
		_ = stream.Close()
		return
	}
	endpoint := string(hello)

	a.mu.Lock()
	target, ok := a.sessions[endpoint]
	a.mu.Unlock()
	if !ok {
		_ = stream.Close()
		return
	}

	ch := newStreamChannel(stream, a.typeCapFunc())
	select {
	case target.accept <- ch:
	case <-target.closed:
		_ = ch.Close()
	}
}

// Claim reserves endpoint in the directory and starts (or reuses) this
// adapter's listener so inbound streams for endpoint route to the returned
// Session.
func (a *Adapter) Claim(ctx context.Context, endpoint string) (signaling.Session, error) {
	if _, err := a.ensureListener(ctx); err != nil {
		return nil, err
	}
	if err := a.dir.Claim(ctx, endpoint, a.listenAddr); err != nil {
		return nil, err
	}

	s := &session{
		endpoint: endpoint,
		adapter:  a,
		accept:   make(chan signaling.Channel, 8),
		status:   make(chan signaling.Status, 1),
		closed:   make(chan struct{}),
	}
	a.mu.Lock()
	a.sessions[endpoint] = s
	a.mu.Unlock()
	return s, nil
}

// Connect looks up endpoint in the directory and opens a framed QUIC stream
// to whoever holds it.
func (a *Adapter) Connect(ctx context.Context, endpoint string) (signaling.Channel, error) {
	addr, err := a.dir.Lookup(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	tlsConf, err := clientTLSConfig(a.certs)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signaling.ErrUnreachable, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signaling.ErrUnreachable, err)
	}
	if err := proto.WriteFrame(stream, []byte(endpoint)); err != nil {
		return nil, fmt.Errorf("%w: %v", signaling.ErrUnreachable, err)
	}
	return newStreamChannel(stream, a.typeCapFunc()), nil
}

func (a *Adapter) typeCapFunc() func(string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.typeCap == nil {
		return func(string) int { return proto.SoftMaxFrameSize }
	}
	return a.typeCap
}

// session implements signaling.Session for a claimed endpoint.
type session struct {
	endpoint string
	adapter  *Adapter
	accept   chan signaling.Channel
	status   chan signaling.Status
	closed   chan struct{}
	once     sync.Once
}

func (s *session) Endpoint() string                 { return s.endpoint }
func (s *session) Accept() <-chan signaling.Channel { return s.accept }
func (s *session) Status() <-chan signaling.Status  { return s.status }

func (s *session) Close() error {
	s.once.Do(func() {
		s.adapter.mu.Lock()
		if s.adapter.sessions[s.endpoint] == s {
			delete(s.adapter.sessions, s.endpoint)
		}
		s.adapter.mu.Unlock()
		_ = s.adapter.dir.Release(context.Background(), s.endpoint)
		close(s.closed)
	})
	return nil
}

// streamChannel implements signaling.Channel over one QUIC stream, reading
// length-framed messages in a background goroutine the way the teacher's
// ListenAndServeWithReady reads one frame per accepted stream, generalized
// to a persistent read loop instead of a single read-then-discard.
type streamChannel struct {
	stream  *quic.Stream
	typeCap func(string) int
	data    chan []byte
	closed  chan struct{}
	once    sync.Once
	err     error
	mu      sync.Mutex
}

func newStreamChannel(stream *quic.Stream, typeCap func(string) int) *streamChannel {
	c := &streamChannel{stream: stream, typeCap: typeCap, data: make(chan []byte, 32), closed: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *streamChannel) readLoop() {
	for {
		frame, err := proto.ReadFrameWithTypeCap(c.stream, proto.SoftMaxFrameSize, c.typeCap)
		if err != nil {
			c.mu.Lock()
			if err != io.EOF {
				c.err = err
			}
			c.mu.Unlock()
			c.closeOnce()
			return
		}
		select {
		case c.data <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *streamChannel) closeOnce() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.stream.Close()
	})
}

func (c *streamChannel) Send(payload []byte) error {
	return proto.WriteFrame(c.stream, payload)
}

func (c *streamChannel) Data() <-chan []byte     { return c.data }
func (c *streamChannel) Closed() <-chan struct{} { return c.closed }

func (c *streamChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *streamChannel) Close() error {
	c.closeOnce()
	return nil
}

var _ signaling.Adapter = (*Adapter)(nil)
var _ signaling.Channel = (*streamChannel)(nil)
var _ signaling.Session = (*session)(nil)
