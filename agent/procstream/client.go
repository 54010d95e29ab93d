package procstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/procrt/process"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrConnClosed is returned by Wait when the connection ended before the exit code arrived.
var ErrConnClosed = errors.New("connection closed before process exited")

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Start starts a remote process. Streams that spec does not redirect are available on the returned
// process, and stdout and stderr must be read to completion before the exit code arrives.
func (c *Client) Start(ctx context.Context, spec Spec) (*RemoteProcess, error) {
	c.Logger.Debugw("dialing WebSocket for run", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	// the process outlives the dial context
	pctx, cancel := context.WithCancel(context.Background())
	p := &RemoteProcess{
		log:    c.Logger.Named("remote_process"),
		conn:   wsConn,
		ctx:    pctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	err = wsjson.Write(ctx, wsConn, requestMessage{Spec: &spec})
	if err != nil {
		p.close(websocket.StatusInternalError, err.Error())
		cancel()
		return nil, fmt.Errorf("writing first message: %w", err)
	}
	var first responseMessage
	err = wsjson.Read(ctx, wsConn, &first)
	if err != nil {
		p.close(websocket.StatusInternalError, err.Error())
		cancel()
		return nil, fmt.Errorf("reading first message: %w", err)
	}
	if first.Err != "" {
		p.close(websocket.StatusNormalClosure, "")
		cancel()
		return nil, fmt.Errorf("starting remote process: %s", first.Err)
	}
	p.id, p.pid = first.ID, first.PID
	p.log = p.log.With("ID", p.id, "PID", p.pid)

	p.stdin = process.NullInput
	if spec.Stdin == (FD{}) {
		p.stdin = &wsJSONWriter{
			log:  p.log.Named("stdin_writer"),
			ctx:  pctx,
			conn: wsConn,
			writeMsg: func(b []byte) any {
				return requestMessage{Stdin: b}
			},
			closeMsg: func() any {
				return requestMessage{StdinDone: true}
			},
		}
	}
	var stdoutW, stderrW *io.PipeWriter
	p.stdout, stdoutW = io.Pipe()
	p.stderr, stderrW = io.Pipe()

	go p.readMessages(stdoutW, stderrW)
	return p, nil
}

// RemoteProcess is a process running behind a procstream server.
type RemoteProcess struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	id  string
	pid int

	stdin  io.WriteCloser
	stdout *io.PipeReader
	stderr *io.PipeReader

	done    chan struct{}
	code    int
	timeMS  int64
	waitErr error

	closeConnOnce sync.Once
}

var _ process.Process = (*RemoteProcess)(nil)

// ID is the session ID assigned by the server.
func (p *RemoteProcess) ID() string { return p.id }

func (p *RemoteProcess) Pid() int { return p.pid }

func (p *RemoteProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *RemoteProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *RemoteProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *RemoteProcess) Done() <-chan struct{} { return p.done }

func (p *RemoteProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *RemoteProcess) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return process.WaitDone(ctx, p.done, d)
}

func (p *RemoteProcess) ExitValue() (int, error) {
	select {
	case <-p.done:
		return p.code, p.waitErr
	default:
		return 0, process.ErrNotExited
	}
}

// Duration is how long the process ran, as measured by the server. It is zero until the process exits.
func (p *RemoteProcess) Duration() time.Duration {
	select {
	case <-p.done:
		return time.Duration(p.timeMS) * time.Millisecond
	default:
		return 0
	}
}

func (p *RemoteProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *RemoteProcess) Destroy() error { return p.signal(SignalTerminate) }

func (p *RemoteProcess) DestroyForcibly() error { return p.signal(SignalKill) }

func (p *RemoteProcess) signal(sig string) error {
	if !p.IsAlive() {
		return nil
	}
	err := wsjson.Write(p.ctx, p.conn, requestMessage{Signal: sig})
	if err != nil && p.IsAlive() {
		return fmt.Errorf("sending %s: %w", sig, err)
	}
	return nil
}

func (p *RemoteProcess) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	p.closeConnOnce.Do(func() {
		err := p.conn.Close(code, reason)
		if err != nil {
			p.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readMessages feeds stdout and stderr until the exit message arrives or the connection fails.
func (p *RemoteProcess) readMessages(stdout, stderr *io.PipeWriter) {
	defer p.cancel()
	finish := func(code int, err error) {
		p.code, p.waitErr = code, err
		stdout.CloseWithError(err)
		stderr.CloseWithError(err)
		close(p.done)
	}

	for {
		var msg responseMessage
		err := wsjson.Read(p.ctx, p.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			finish(-1, fmt.Errorf("%w: %s", ErrConnClosed, err))
			return
		}
		if err != nil {
			p.log.Debugf("message reader got error: %s", err)
			p.close(websocket.StatusInternalError, err.Error())
			finish(-1, fmt.Errorf("%w: %s", ErrConnClosed, err))
			return
		}
		if len(msg.Stdout) > 0 {
			if _, err := stdout.Write(msg.Stdout); err != nil {
				p.log.Debugf("stdout reader went away: %s", err)
			}
		}
		if msg.StdoutDone {
			stdout.Close()
		}
		if len(msg.Stderr) > 0 {
			if _, err := stderr.Write(msg.Stderr); err != nil {
				p.log.Debugf("stderr reader went away: %s", err)
			}
		}
		if msg.StderrDone {
			stderr.Close()
		}
		if msg.Exited {
			p.timeMS = msg.TimeMS
			p.log.Debugf("got exit code %d", msg.ExitCode)
			p.close(websocket.StatusNormalClosure, "")
			finish(msg.ExitCode, nil)
			return
		}
	}
}
