// Package memadapter implements signaling.Adapter as an in-process fake over
// a shared directory, in the spirit of the teacher's habit of testing
// program logic against a fake rather than live sockets (see
// internal/peer/store_test.go). Multiple Adapters sharing one *Directory
// simulate independent devices talking through one signaling service.
package memadapter

import (
	"context"
	"sync"

	"github.com/peerns/peerns/internal/signaling"
)

// Directory is the shared "signaling service" state: one claimant per
// endpoint string, enforcing the uniqueness guarantee spec.md §5 relies on.
type Directory struct {
	mu     sync.Mutex
	claims map[string]*session
}

// NewDirectory creates an empty shared directory.
func NewDirectory() *Directory {
	return &Directory{claims: make(map[string]*session)}
}

// Adapter is a signaling.Adapter backed by dir.
type Adapter struct {
	dir *Directory
}

// New returns an Adapter sharing dir with every other Adapter built from the
// same Directory.
func New(dir *Directory) *Adapter {
	return &Adapter{dir: dir}
}

type session struct {
	endpoint string
	accept   chan signaling.Channel
	status   chan signaling.Status
	closed   chan struct{}
	closeOne sync.Once
	dir      *Directory
}

func (s *session) Endpoint() string                 { return s.endpoint }
func (s *session) Accept() <-chan signaling.Channel { return s.accept }
func (s *session) Status() <-chan signaling.Status  { return s.status }

func (s *session) Close() error {
	s.closeOne.Do(func() {
		s.dir.mu.Lock()
		if s.dir.claims[s.endpoint] == s {
			delete(s.dir.claims, s.endpoint)
		}
		s.dir.mu.Unlock()
		close(s.closed)
		select {
		case s.status <- signaling.StatusClosed:
		default:
		}
	})
	return nil
}

// Claim reserves endpoint in the shared directory, or returns
// signaling.ErrAlreadyTaken if another Adapter already holds it.
func (a *Adapter) Claim(ctx context.Context, endpoint string) (signaling.Session, error) {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()

	if _, taken := a.dir.claims[endpoint]; taken {
		return nil, signaling.ErrAlreadyTaken
	}
	s := &session{
		endpoint: endpoint,
		accept:   make(chan signaling.Channel, 8),
		status:   make(chan signaling.Status, 1),
		closed:   make(chan struct{}),
		dir:      a.dir,
	}
	a.dir.claims[endpoint] = s
	return s, nil
}

// Connect opens a channel to whoever currently holds endpoint, or returns
// signaling.ErrUnreachable if nobody does.
func (a *Adapter) Connect(ctx context.Context, endpoint string) (signaling.Channel, error) {
	a.dir.mu.Lock()
	target, ok := a.dir.claims[endpoint]
	a.dir.mu.Unlock()
	if !ok {
		return nil, signaling.ErrUnreachable
	}

	near, far := newPipe()
	select {
	case target.accept <- far:
	case <-target.closed:
		return nil, signaling.ErrUnreachable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return near, nil
}
