package feed

import (
	"context"
	"sync"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrConnectionClosed
	default:
	}

	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)

	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}

	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn

	// fail, if set, is asked for every dial with its 1-based number.
	fail func(n int) error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ []string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail != nil {
		if err := d.fail(d.dials); err != nil {
			return nil, err
		}
	}

	conn := newFakeConn()
	d.conns = append(d.conns, conn)

	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i >= len(d.conns) {
		return nil
	}

	return d.conns[i]
}

// recorder collects what a subscriber receives.
type recorder struct {
	mu   sync.Mutex
	data []any
}

func (r *recorder) handle(data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = append(r.data, data)
	return nil
}

func (r *recorder) received() []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]any, len(r.data))
	copy(out, r.data)

	return out
}
