package memadapter

import (
	"errors"
	"sync"

	"github.com/peerns/peerns/internal/signaling"
)

// pipeChannel is one end of an in-process channel pair; Send on one end
// delivers on the other end's Data channel. Closing either end closes the
// channel it writes to, so the remote end's Data() range sees end-of-stream
// the way a dropped socket would. Closed() fires only on a local Close; the
// remote end's Closed() stays open after this end closes.
type pipeChannel struct {
	mu     sync.Mutex
	out    chan []byte
	in     chan []byte
	closed chan struct{}
	done   bool
}

var errChannelClosed = errors.New("memadapter: channel closed")

func newPipe() (near, far *pipeChannel) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	near = &pipeChannel{out: ab, in: ba, closed: make(chan struct{})}
	far = &pipeChannel{out: ba, in: ab, closed: make(chan struct{})}
	return near, far
}

func (p *pipeChannel) Send(payload []byte) error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return errChannelClosed
	}
	out := p.out
	p.mu.Unlock()

	cp := append([]byte(nil), payload...)
	select {
	case out <- cp:
		return nil
	case <-p.closed:
		return errChannelClosed
	}
}

func (p *pipeChannel) Data() <-chan []byte     { return p.in }
func (p *pipeChannel) Closed() <-chan struct{} { return p.closed }

func (p *pipeChannel) Err() error { return nil }

func (p *pipeChannel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}
	p.done = true
	close(p.closed)
	close(p.out)
	return nil
}

var _ signaling.Channel = (*pipeChannel)(nil)
