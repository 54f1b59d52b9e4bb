package amqp

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var errClosed = errors.New("pool is closed")

// pool keeps up to size idle AMQP channels of a single connection. When the
// pool is empty, get opens a new channel; when it is full, put closes the
// returned channel.
type pool struct {
	mu    sync.RWMutex
	chans chan *amqp.Channel
	conn  *amqp.Connection
}

// poolChannel is a channel borrowed from the pool. It must be handed back
// using close.
type poolChannel struct {
	ch *amqp.Channel
	p  *pool

	mu       sync.RWMutex
	unusable bool
}

func newPool(size int, conn *amqp.Connection) (*pool, error) {
	p := &pool{
		chans: make(chan *amqp.Channel, size),
		conn:  conn,
	}

	for i := 0; i < size; i++ {
		ch, err := conn.Channel()
		if err != nil {
			p.close()
			return nil, errors.Wrap(err, "create channel error")
		}

		p.chans <- ch
	}

	return p, nil
}

// idle returns the number of idle channels.
func (p *pool) idle() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.chans)
}

func (p *pool) get() (*poolChannel, error) {
	p.mu.RLock()
	chans, conn := p.chans, p.conn
	p.mu.RUnlock()

	if chans == nil {
		return nil, errClosed
	}

	select {
	case ch := <-chans:
		if ch == nil {
			return nil, errClosed
		}
		return &poolChannel{ch: ch, p: p}, nil
	default:
		ch, err := conn.Channel()
		if err != nil {
			return nil, errors.Wrap(err, "create channel error")
		}
		return &poolChannel{ch: ch, p: p}, nil
	}
}

func (p *pool) put(ch *amqp.Channel) error {
	if ch == nil {
		return errors.New("channel is nil, rejecting")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.chans == nil {
		return ch.Close()
	}

	select {
	case p.chans <- ch:
		return nil
	default:
		return ch.Close()
	}
}

// close closes all idle channels. Borrowed channels are closed when they are
// handed back. The connection itself is not closed.
func (p *pool) close() {
	p.mu.Lock()
	chans := p.chans
	p.chans = nil
	p.conn = nil
	p.mu.Unlock()

	if chans == nil {
		return
	}

	close(chans)
	for ch := range chans {
		ch.Close()
	}
}

func (pc *poolChannel) close() error {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.unusable {
		return pc.ch.Close()
	}

	return pc.p.put(pc.ch)
}

// markUnusable makes sure the channel is not handed out again, e.g. after
// the broker closed it.
func (pc *poolChannel) markUnusable() {
	pc.mu.Lock()
	pc.unusable = true
	pc.mu.Unlock()
}
