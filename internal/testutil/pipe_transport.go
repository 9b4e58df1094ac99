package testutil

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// PipeTransport adapts a net.Conn (typically one end of a net.Pipe into a
// FixtureServer) to the transport.Transport interface, for driving the
// session core against an in-process fixture instead of a real process or
// HTTP server.
type PipeTransport struct {
	conn   net.Conn
	frames chan *wire.Frame
	closed chan error
	wlock  sync.Mutex
	once   sync.Once
}

// NewPipeTransport wraps conn.
func NewPipeTransport(conn net.Conn) *PipeTransport {
	return &PipeTransport{
		conn:   conn,
		frames: make(chan *wire.Frame, 64),
		closed: make(chan error, 1),
	}
}

func (p *PipeTransport) Open(ctx context.Context) error {
	go p.readLoop()
	return nil
}

func (p *PipeTransport) readLoop() {
	sc := bufio.NewScanner(p.conn)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := wire.Decode(line)
		if err != nil {
			continue
		}
		p.frames <- f
	}
	close(p.frames)
	p.once.Do(func() { p.closed <- nil })
}

func (p *PipeTransport) Send(ctx context.Context, f *wire.Frame) error {
	raw, err := encode(f)
	if err != nil {
		return err
	}
	p.wlock.Lock()
	defer p.wlock.Unlock()
	_, err = p.conn.Write(append(raw, '\n'))
	return err
}

func (p *PipeTransport) Close() error { return p.conn.Close() }

func (p *PipeTransport) Frames() <-chan *wire.Frame { return p.frames }
func (p *PipeTransport) Closed() <-chan error       { return p.closed }

func encode(f *wire.Frame) ([]byte, error) {
	switch wire.Classify(f) {
	case wire.KindRequest:
		return wire.EncodeRequest(f.ID, f.Method, f.Params)
	case wire.KindNotification:
		return wire.EncodeNotification(f.Method, f.Params)
	default:
		return wire.EncodeResponse(f.ID, f.Result, f.Error)
	}
}
