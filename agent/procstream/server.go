package procstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procrt/process"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Launcher starts the process described by spec.
type Launcher func(spec Spec) (process.Process, error)

type Server struct {
	Log    *zap.SugaredLogger
	Launch Launcher
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	id := uuid.NewString()
	s.Log.Debugw("accepted WebSocket conn", "ID", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverProcRunner{
		log:     s.Log.Named("server_runner").With("ID", id),
		id:      id,
		launch:  s.Launch,
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		stdinCh: make(chan []byte),
	}
	runner.run()
}

type serverProcRunner struct {
	log    *zap.SugaredLogger
	id     string
	launch Launcher
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	proc process.Process

	stdinCh chan []byte

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *serverProcRunner) shutdown() {
	if r.proc != nil {
		_ = r.proc.DestroyForcibly()
	}
	r.cancel()
}

func (r *serverProcRunner) run() {
	startTime, err := r.readFirstMessageAndStart()
	if err != nil {
		r.log.Debugf("error starting process: %s", err)
		werr := wsjson.Write(r.ctx, r.conn, responseMessage{ID: r.id, Err: err.Error()})
		if werr != nil {
			r.log.Debugf("error sending start error: %s", werr)
		}
		r.close(websocket.StatusNormalClosure, "")
		r.shutdown()
		return
	}
	r.log.Debugw("process started", "PID", r.proc.Pid())

	err = wsjson.Write(r.ctx, r.conn, responseMessage{ID: r.id, PID: r.proc.Pid()})
	if err != nil {
		r.log.Debugf("error sending start message: %s", err)
		r.close(websocket.StatusInternalError, err.Error())
		r.shutdown()
		return
	}

	var outputs sync.WaitGroup
	outputs.Add(2)
	r.wg.Add(5)
	go r.readMessages()
	go r.writeStdin()
	go r.copyOutput(&outputs, r.proc.Stdout(), func(b []byte) any { return responseMessage{Stdout: b} }, func() any { return responseMessage{StdoutDone: true} })
	go r.copyOutput(&outputs, r.proc.Stderr(), func(b []byte) any { return responseMessage{Stderr: b} }, func() any { return responseMessage{StderrDone: true} })
	go r.waitAndWriteResult(startTime, &outputs)

	r.wg.Wait()
}

func (r *serverProcRunner) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *serverProcRunner) readMessages() {
	defer r.shutdown()
	defer r.wg.Done()

	closedStdin := false
	closeStdin := func() {
		if !closedStdin {
			close(r.stdinCh)
			closedStdin = true
		}
	}
	defer closeStdin()

	for {
		var msg requestMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdin) > 0 && !closedStdin {
			select {
			case r.stdinCh <- msg.Stdin:
			case <-r.ctx.Done():
				return
			}
		}
		if msg.StdinDone {
			closeStdin()
		}
		switch msg.Signal {
		case "":
		case SignalTerminate:
			err = r.proc.Destroy()
		case SignalKill:
			err = r.proc.DestroyForcibly()
		default:
			r.log.Debugf("unknown signal %q, ignoring", msg.Signal)
		}
		if err != nil {
			r.log.Debugf("error signaling process: %s", err)
		}
	}
}

func (r *serverProcRunner) writeStdin() {
	defer r.wg.Done()
	stdin := r.proc.Stdin()
	defer stdin.Close()
	for b := range r.stdinCh {
		_, err := stdin.Write(b)
		if errors.Is(err, process.ErrStreamClosed) {
			r.log.Debug("stdin is not a pipe, dropping input")
			continue
		}
		if err != nil {
			r.log.Debugf("stdin writer got error: %s", err)
			// keep draining so that the message reader never blocks
			continue
		}
	}
}

func (r *serverProcRunner) copyOutput(outputs *sync.WaitGroup, src io.ReadCloser, writeMsg func([]byte) any, closeMsg func() any) {
	defer r.wg.Done()
	defer outputs.Done()
	defer src.Close()
	w := &wsJSONWriter{
		log:      r.log.Named("output_writer"),
		ctx:      r.ctx,
		conn:     r.conn,
		writeMsg: writeMsg,
		closeMsg: closeMsg,
	}
	defer w.Close()
	if _, err := io.Copy(w, src); err != nil {
		r.log.Debugf("error copying output: %s", err)
	}
}

func (r *serverProcRunner) waitAndWriteResult(startTime time.Time, outputs *sync.WaitGroup) {
	defer r.wg.Done()

	outputs.Wait()
	exitCode, err := r.proc.Wait(r.ctx)
	if err != nil {
		r.log.Debugf("error waiting for process: %s", err)
		return
	}
	timeMS := time.Since(startTime).Milliseconds()

	r.log.Debugf("process %d exited with code %d, sending message", r.proc.Pid(), exitCode)
	err = wsjson.Write(r.ctx, r.conn, responseMessage{
		Exited:   true,
		ExitCode: exitCode,
		TimeMS:   timeMS,
	})
	if err != nil {
		r.log.Debugf("error sending exit code: %s", err)
	}
}

func (r *serverProcRunner) readFirstMessageAndStart() (time.Time, error) {
	var req requestMessage
	err := wsjson.Read(r.ctx, r.conn, &req)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading first message: %w", err)
	}
	if req.Spec == nil {
		return time.Time{}, errors.New("first message contained no spec")
	}
	r.log.Debugw("got first message", "Spec", req.Spec)

	startTime := time.Now()
	proc, err := r.launch(*req.Spec)
	if err != nil {
		return time.Time{}, err
	}
	r.proc = proc
	return startTime, nil
}
