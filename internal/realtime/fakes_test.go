package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var errFakeDial = errors.New("dial refused")

// written is one frame the manager wrote, decoded, with the fake clock
// time of the write.
type written struct {
	msg Message
	at  time.Time
}

// fakeConn is a scripted server side. Frames pushed with deliver are
// returned from Read; writes are decoded and recorded.
type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	writes     []written
	failWrites bool
	closeCode  websocket.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.frames:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWrites {
		return errors.New("broken pipe")
	}

	f.writes = append(f.writes, written{msg: Decode(p), at: time.Now()})

	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	if f.closeCode == 0 {
		f.closeCode = code
	}
	f.mu.Unlock()

	f.closeOnce.Do(func() { close(f.closed) })

	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

// deliver queues a server frame for the client to read.
func (f *fakeConn) deliver(msg Message) {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}

	f.frames <- data
}

func (f *fakeConn) deliverRaw(frame string) {
	f.frames <- []byte(frame)
}

// drop simulates the server going away.
func (f *fakeConn) drop() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeConn) setFailWrites(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

func (f *fakeConn) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Message, 0, len(f.writes))
	for _, w := range f.writes {
		out = append(out, w.msg)
	}

	return out
}

// pings returns the times at which Ping frames were written.
func (f *fakeConn) pings() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []time.Time

	for _, w := range f.writes {
		if _, ok := w.msg.(Ping); ok {
			out = append(out, w.at)
		}
	}

	return out
}

func (f *fakeConn) closedWith() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closeCode
}

// fakeDialer hands out fakeConns, or fails every dial while err is set.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
	dials []time.Time
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials = append(d.dials, time.Now())

	if d.err != nil {
		return nil, d.err
	}

	c := newFakeConn()
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]time.Time(nil), d.dials...)
}

// last returns the most recently opened connection.
func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.conns)
}

func newTestManager(d Dialer) *Manager {
	return NewManager(ManagerConfig{URL: "wss://rt.test/ws", Dialer: d}, slog.New(slog.DiscardHandler))
}
