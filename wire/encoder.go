package wire

import (
	"fmt"
	"sync"
)

// Conn is the minimal transport surface a session needs: send a framed
// message, receive one, and close the channel. transport/ws implements this
// over a *websocket.Conn so the core never imports gorilla/websocket.
type Conn interface {
	Send([]byte) error
	Receive() ([]byte, error)
	Close() error
}

// Encoder serializes concurrent event producers (the Hardware Publisher and
// a Run's Supervisor callbacks) onto a single Conn. Events are pushed onto a
// buffered channel and drained by one background writer goroutine, so no
// caller ever blocks on a slow peer for longer than the channel fills.
type Encoder struct {
	conn   Conn
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
}

// NewEncoder starts the background writer for conn. Call Close when the
// session tears down.
func NewEncoder(conn Conn) *Encoder {
	e := &Encoder{
		conn:   conn,
		queue:  make(chan []byte, 256),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Encoder) run() {
	defer close(e.closed)
	for {
		select {
		case msg, ok := <-e.queue:
			if !ok {
				return
			}
			_ = e.conn.Send(msg)
		case <-e.done:
			// Drain whatever is already queued before exiting so a final
			// done/error event isn't dropped on teardown.
			for {
				select {
				case msg, ok := <-e.queue:
					if !ok {
						return
					}
					_ = e.conn.Send(msg)
				default:
					return
				}
			}
		}
	}
}

// Emit marshals and enqueues an outbound event. Safe for concurrent callers.
func (e *Encoder) Emit(event interface{}) error {
	data, err := Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	select {
	case e.queue <- data:
		return nil
	case <-e.done:
		return fmt.Errorf("encoder closed")
	}
}

// Close stops the writer goroutine after draining pending events.
func (e *Encoder) Close() {
	e.once.Do(func() {
		close(e.done)
	})
	<-e.closed
}
