package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procrt/agent/procstream"
	"github.com/guseggert/procrt/environment"
	"github.com/guseggert/procrt/process"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Agent is an HTTP service that starts processes on the host it runs on.
// When configured with certificates it requires mTLS for both traffic encryption and authz.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr     string
	certs          *Certs
	guard          process.AccessGuard
	baseEnv        *environment.Env
	defaultDir     string
	allowAmbiguous bool
	commandTimeout time.Duration

	registry     *prometheus.Registry
	metrics      *metrics
	streamServer *procstream.Server

	mut        sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLS serves HTTPS and requires clients to present a certificate signed by the CA in certs.
func WithTLS(certs *Certs) Option {
	return func(a *Agent) {
		a.certs = certs
	}
}

func WithGuard(g process.AccessGuard) Option {
	return func(a *Agent) {
		a.guard = g
	}
}

// WithBaseEnv sets the environment that commands start from. The default is the agent's own.
func WithBaseEnv(env *environment.Env) Option {
	return func(a *Agent) {
		a.baseEnv = env
	}
}

func WithDefaultDir(dir string) Option {
	return func(a *Agent) {
		a.defaultDir = dir
	}
}

func WithAllowAmbiguousCommands(allow bool) Option {
	return func(a *Agent) {
		a.allowAmbiguous = allow
	}
}

// WithCommandTimeout bounds how long POST /command waits before killing the process.
// Zero means no limit.
func WithCommandTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.commandTimeout = d
	}
}

// New constructs an agent. Options are applied in order, so WithLogLevel must come after WithLogger.
func New(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	reg := prometheus.NewRegistry()
	a := &Agent{
		logger:         logger.Named("agent").Sugar(),
		listenAddr:     "127.0.0.1:8080",
		commandTimeout: 5 * time.Minute,
		registry:       reg,
		metrics:        newMetrics(reg),
		ready:          make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.streamServer = &procstream.Server{
		Log: a.logger.Named("stream_server"),
		Launch: func(spec procstream.Spec) (process.Process, error) {
			p, _, err := a.launch(endpointStream, spec)
			return p, err
		},
	}
	return a, nil
}

// Handler returns the agent's routes without any TLS.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/command", a.commandWS)
	router.POST("/command", a.command)
	router.GET("/env", a.env)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return router
}

// Listen binds the listen address. Run calls it if it has not been called yet.
func (a *Agent) Listen() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if a.certs != nil {
		tlsConfig, err := a.certs.ServerTLSConfig()
		if err != nil {
			l.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		l = tls.NewListener(l, tlsConfig)
	}
	a.listener = l
	a.httpServer = &http.Server{Handler: a.Handler()}
	close(a.ready)
	return nil
}

// Addr returns the address the agent listens on, once Listen has succeeded.
func (a *Agent) Addr() net.Addr {
	<-a.ready
	return a.listener.Addr()
}

// Run serves until Stop is called.
func (a *Agent) Run() error {
	if err := a.Listen(); err != nil {
		return err
	}
	a.logger.Infow("serving", "Addr", a.listener.Addr().String(), "TLS", a.certs != nil)
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) Stop() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

// builder turns spec into a Builder using the agent's base environment, directory and guard.
func (a *Agent) builder(spec procstream.Spec) (*process.Builder, error) {
	if len(spec.Command) == 0 {
		return nil, process.ErrEmptyCommand
	}
	b := process.NewBuilder(spec.Command...).
		WithLogger(a.logger.Named("process")).
		SetAllowAmbiguousCommands(a.allowAmbiguous)
	if a.guard != nil {
		b.WithGuard(a.guard)
	}
	dir := spec.Dir
	if dir == "" {
		dir = a.defaultDir
	}
	b.SetDirectory(dir)

	env := b.Environment()
	if a.baseEnv != nil {
		env.Clear()
		for name, value := range a.baseEnv.Map() {
			if err := env.Set(name, value); err != nil {
				return nil, fmt.Errorf("base env %q: %w", name, err)
			}
		}
	}
	if spec.ClearEnv {
		env.Clear()
	}
	for _, kv := range spec.Env {
		name, value, ok := env.Flavor().SplitEntry(kv)
		if !ok {
			return nil, fmt.Errorf("env entry %q: %w", kv, environment.ErrInvalidName)
		}
		if err := env.Set(name, value); err != nil {
			return nil, fmt.Errorf("env entry %q: %w", kv, err)
		}
	}
	if err := spec.Redirects(b); err != nil {
		return nil, err
	}
	return b, nil
}

// launch starts spec and tracks it in the metrics until it exits.
func (a *Agent) launch(endpoint string, spec procstream.Spec) (process.Process, string, error) {
	b, err := a.builder(spec)
	if err == nil {
		var p process.Process
		p, err = b.Start()
		if err == nil {
			id := uuid.NewString()
			a.track(endpoint, id, p)
			return p, id, nil
		}
	}
	a.metrics.startFailures.WithLabelValues(endpoint, failureReason(err)).Inc()
	a.logger.Debugw("start failed", "Command", spec.Command, "Error", err)
	return nil, "", err
}

func (a *Agent) track(endpoint, id string, p process.Process) {
	started := time.Now()
	a.metrics.started.WithLabelValues(endpoint).Inc()
	a.metrics.running.Inc()
	a.logger.Debugw("started process", "ID", id, "PID", p.Pid(), "Endpoint", endpoint)
	go func() {
		<-p.Done()
		a.metrics.running.Dec()
		a.metrics.duration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
		status := "nonzero"
		if code, err := p.ExitValue(); err == nil && code == 0 {
			status = "zero"
		}
		a.metrics.exits.WithLabelValues(endpoint, status).Inc()
	}()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, process.ErrAccessDenied):
		return "denied"
	case isInvalid(err):
		return "invalid"
	default:
		return "start"
	}
}

func isInvalid(err error) bool {
	for _, target := range []error{
		process.ErrEmptyCommand,
		process.ErrInvalidArgument,
		process.ErrInvalidRedirect,
		environment.ErrInvalidName,
		environment.ErrInvalidValue,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, process.ErrAccessDenied):
		return http.StatusForbidden
	case isInvalid(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	a.writeJSON(w, HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

type EnvVar struct {
	Name  string
	Value string
}

type EnvResponse struct {
	Flavor    string
	Variables []EnvVar
}

// env returns the environment commands start from, sorted in the flavor's block order.
// With ?format=block it returns the raw environment block instead.
func (a *Agent) env(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	env := a.baseEnv
	if env == nil {
		env = environment.System().Clone()
	}
	if r.URL.Query().Get("format") == "block" {
		w.Header().Add("Content-Type", "application/octet-stream")
		w.Write(env.Block(nil))
		return
	}
	resp := EnvResponse{Flavor: env.Flavor().Name, Variables: []EnvVar{}}
	for _, kv := range env.Environ() {
		name, value, _ := env.Flavor().SplitEntry(kv)
		resp.Variables = append(resp.Variables, EnvVar{Name: name, Value: value})
	}
	a.writeJSON(w, resp)
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

type PostCommandRequest struct {
	Command []string
	Stdin   string
	Env     []string
	// ClearEnv starts from an empty environment instead of the agent's base environment.
	ClearEnv            bool
	Dir                 string
	RedirectErrorStream bool
	// TimeoutMS overrides the agent's command timeout when positive.
	TimeoutMS int64
}

type PostCommandResponse struct {
	ID       string
	PID      int
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	TimeMS   int64
}

func (a *Agent) commandWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.streamServer.ServeHTTP(w, r)
}

// command is a simple command runner which takes a stdin buffer and sends all of stdout and stderr in the response.
// This is much easier to curl and write simple clients against, but doesn't support streaming input & output.
func (a *Agent) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req PostCommandRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Command) == 0 {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}

	spec := procstream.Spec{
		Command:             req.Command,
		Env:                 req.Env,
		ClearEnv:            req.ClearEnv,
		Dir:                 req.Dir,
		RedirectErrorStream: req.RedirectErrorStream,
	}
	if req.Stdin == "" {
		spec.Stdin.Discard = true
	}
	startTime := time.Now()
	p, id, err := a.launch(endpointCommand, spec)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	ctx := r.Context()
	timeout := a.commandTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// If the request is aborted or times out, kill the process.
	var killed atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			killed.Store(true)
			if err := p.DestroyForcibly(); err != nil {
				a.logger.Debugw("error killing process", "ID", id, "Error", err)
			}
		case <-p.Done():
		}
	}()

	var stdout, stderr bytes.Buffer
	var group errgroup.Group
	group.Go(func() error {
		defer p.Stdin().Close()
		if req.Stdin == "" {
			return nil
		}
		// the process may exit without reading its input
		if _, err := io.Copy(p.Stdin(), strings.NewReader(req.Stdin)); err != nil {
			a.logger.Debugw("error writing stdin", "ID", id, "Error", err)
		}
		return nil
	})
	group.Go(func() error {
		defer p.Stdout().Close()
		_, err := io.Copy(&stdout, p.Stdout())
		return err
	})
	group.Go(func() error {
		defer p.Stderr().Close()
		_, err := io.Copy(&stderr, p.Stderr())
		return err
	})
	if err := group.Wait(); err != nil {
		a.logger.Debugw("error reading output", "ID", id, "Error", err)
	}

	exitCode, err := p.Wait(context.Background())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, PostCommandResponse{
		ID:       id,
		PID:      p.Pid(),
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: killed.Load() && errors.Is(ctx.Err(), context.DeadlineExceeded),
		TimeMS:   time.Since(startTime).Milliseconds(),
	})
}
