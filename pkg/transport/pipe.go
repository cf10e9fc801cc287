package transport

import "sync"

// PipeConn is one end of an in-memory connection created by Pipe.
type PipeConn struct {
	origin string
	in     chan RawMessage
	peer   *PipeConn
	state  *pipeState
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// Pipe returns two connected ends. Messages written to a arrive at b
// stamped with originA, and the other way round. Closing either end closes
// both.
func Pipe(originA, originB string) (*PipeConn, *PipeConn) {
	st := &pipeState{done: make(chan struct{})}
	a := &PipeConn{origin: originA, in: make(chan RawMessage, 256), state: st}
	b := &PipeConn{origin: originB, in: make(chan RawMessage, 256), state: st}
	a.peer, b.peer = b, a
	return a, b
}

// ReadMessage blocks until a message arrives or the pipe is closed.
func (p *PipeConn) ReadMessage() (RawMessage, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		return RawMessage{}, ErrConnClosed
	}
}

// WriteMessage delivers a copy of data to the peer.
func (p *PipeConn) WriteMessage(data []byte) error {
	return p.peer.Deliver(RawMessage{Origin: p.origin, Data: append([]byte(nil), data...)})
}

// Deliver queues msg as if it had arrived on this end, with whatever
// origin it carries.
func (p *PipeConn) Deliver(msg RawMessage) error {
	select {
	case <-p.state.done:
		return ErrConnClosed
	default:
	}
	select {
	case p.in <- msg:
		return nil
	case <-p.state.done:
		return ErrConnClosed
	}
}

// Close closes both ends.
func (p *PipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
