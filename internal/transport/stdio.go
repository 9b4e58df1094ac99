package transport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/inspector-sub002/internal/history"
	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// Stdio spawns a child process and speaks newline-delimited JSON over its
// stdin/stdout, the framing golang-tools' ndjsonFramer uses for its own
// stdio transport. Stderr lines are captured into a Stderr ring buffer
// instead of being discarded.
type Stdio struct {
	descriptor Descriptor
	stderrBuf  *history.Buffer[history.Stderr]

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	frames chan *wire.Frame
	closed chan error
	once   sync.Once
}

// NewStdio constructs a Stdio transport for the given command. stderrBuf
// may be nil, in which case stderr lines are simply dropped.
func NewStdio(d Descriptor, stderrBuf *history.Buffer[history.Stderr]) *Stdio {
	return &Stdio{
		descriptor: d,
		stderrBuf:  stderrBuf,
		frames:     make(chan *wire.Frame, 64),
		closed:     make(chan error, 1),
	}
}

func (s *Stdio) Open(ctx context.Context) error {
	if len(s.descriptor.Command) == 0 {
		return ierrors.Transport("stdio.open", fmt.Errorf("empty command"))
	}
	cmd := exec.CommandContext(ctx, s.descriptor.Command[0], s.descriptor.Command[1:]...)
	if len(s.descriptor.Env) > 0 {
		cmd.Env = os.Environ()
	}
	for k, v := range s.descriptor.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ierrors.Transport("stdio.open", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ierrors.Transport("stdio.open", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ierrors.Transport("stdio.open", err)
	}
	if err := cmd.Start(); err != nil {
		return ierrors.Transport("stdio.open", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = bufio.NewWriter(stdin)
	s.mu.Unlock()

	go s.readLoop(bufio.NewScanner(stdout))
	go s.stderrLoop(bufio.NewScanner(stderr))
	go s.waitLoop()
	return nil
}

func (s *Stdio) readLoop(sc *bufio.Scanner) {
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := wire.Decode(line)
		if err != nil {
			logger.Default().Warn("stdio: dropping malformed frame", "error", err)
			continue
		}
		s.frames <- f
	}
}

func (s *Stdio) stderrLoop(sc *bufio.Scanner) {
	for sc.Scan() {
		if s.stderrBuf != nil {
			s.stderrBuf.Append(history.Stderr{Line: sc.Text()})
		}
	}
}

func (s *Stdio) waitLoop() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	err := cmd.Wait()
	close(s.frames)
	s.once.Do(func() {
		if err != nil {
			s.closed <- ierrors.Transport("stdio.wait", err)
		} else {
			s.closed <- nil
		}
	})
}

func (s *Stdio) Send(ctx context.Context, f *wire.Frame) error {
	raw, err := encodeByKind(f)
	if err != nil {
		return ierrors.ProtocolEncoding("stdio.send", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return ierrors.NotConnected("stdio.send")
	}
	if _, err := s.stdin.Write(append(raw, '\n')); err != nil {
		return ierrors.Transport("stdio.send", err)
	}
	return s.stdin.Flush()
}

func (s *Stdio) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (s *Stdio) Frames() <-chan *wire.Frame { return s.frames }
func (s *Stdio) Closed() <-chan error       { return s.closed }

// encodeByKind re-serializes a Frame built by the caller (id/method/result
// populated directly) into a JSON-RPC envelope, reusing wire's encoders.
func encodeByKind(f *wire.Frame) ([]byte, error) {
	switch wire.Classify(f) {
	case wire.KindRequest:
		return wire.EncodeRequest(f.ID, f.Method, f.Params)
	case wire.KindNotification:
		return wire.EncodeNotification(f.Method, f.Params)
	case wire.KindResponse, wire.KindErrorResponse:
		return wire.EncodeResponse(f.ID, f.Result, f.Error)
	default:
		return nil, fmt.Errorf("cannot encode frame of indeterminate kind")
	}
}
