//go:build !windows

package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/procrt/agent/procstream"
	"github.com/guseggert/procrt/environment"
	"github.com/guseggert/procrt/internal/netutil"
	"github.com/guseggert/procrt/process"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// newTestAgent serves an agent over plain HTTP and returns a client for it.
func newTestAgent(t *testing.T, opts ...Option) (*Agent, *Client, string) {
	t.Helper()
	a, err := New(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	s := httptest.NewServer(a.Handler())
	t.Cleanup(s.Close)

	client, err := NewClient(log, s.URL)
	require.NoError(t, err)
	return a, client, s.URL
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newTestAgent(t)

	first, err := client.SendHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0001-01-01T00:00:00Z", first.LastHeartbeat)

	second, err := client.SendHeartbeat(ctx)
	require.NoError(t, err)
	last, err := time.Parse(time.RFC3339, second.LastHeartbeat)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, time.Minute)
}

func TestPostCommand(t *testing.T) {
	ctx := context.Background()
	base := environment.New(environment.POSIX)
	require.NoError(t, base.Set("FOO", "base"))
	_, client, _ := newTestAgent(t, WithBaseEnv(base))

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cases := []struct {
		name      string
		req       PostCommandRequest
		expCode   int
		expStdout string
		expStderr string
	}{
		{
			name:      "happy case",
			req:       PostCommandRequest{Command: []string{"echo", "hello"}},
			expStdout: "hello\n",
		},
		{
			name:      "stdout and stderr",
			req:       PostCommandRequest{Command: []string{"sh", "-c", "printf foo; printf bar 1>&2"}},
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "stdin to stdout",
			req:       PostCommandRequest{Command: []string{"sh", "-c", "read line; echo $line bar"}, Stdin: "foo\n"},
			expStdout: "foo bar\n",
		},
		{
			name:      "no stdin reads EOF",
			req:       PostCommandRequest{Command: []string{"cat"}},
			expStdout: "",
		},
		{
			name:    "exit code",
			req:     PostCommandRequest{Command: []string{"sh", "-c", "exit 3"}},
			expCode: 3,
		},
		{
			name: "merged error stream",
			req: PostCommandRequest{
				Command:             []string{"sh", "-c", "printf foo; printf bar 1>&2"},
				RedirectErrorStream: true,
			},
			expStdout: "foobar",
		},
		{
			name:      "base environment",
			req:       PostCommandRequest{Command: []string{"sh", "-c", `printf %s "$FOO"`}},
			expStdout: "base",
		},
		{
			name: "environment override",
			req: PostCommandRequest{
				Command: []string{"sh", "-c", `printf %s-%s "$FOO" "$BAR"`},
				Env:     []string{"FOO=req", "BAR=x=y"},
			},
			expStdout: "req-x=y",
		},
		{
			name: "cleared environment",
			req: PostCommandRequest{
				Command:  []string{"sh", "-c", `printf %s "${FOO-unset}"`},
				ClearEnv: true,
			},
			expStdout: "unset",
		},
		{
			name:      "working directory",
			req:       PostCommandRequest{Command: []string{"pwd"}, Dir: dir},
			expStdout: dir + "\n",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.Run(ctx, c.req)
			require.NoError(t, err)

			assert.Equal(t, c.expCode, resp.ExitCode)
			assert.Equal(t, c.expStdout, resp.Stdout)
			assert.Equal(t, c.expStderr, resp.Stderr)
			assert.False(t, resp.TimedOut)
			assert.NotEmpty(t, resp.ID)
			assert.Positive(t, resp.PID)
		})
	}
}

func TestPostCommandTimeout(t *testing.T) {
	_, client, _ := newTestAgent(t)

	resp, err := client.Run(context.Background(), PostCommandRequest{
		Command:   []string{"sleep", "10"},
		TimeoutMS: 100,
	})
	require.NoError(t, err)

	assert.True(t, resp.TimedOut)
	assert.Equal(t, 137, resp.ExitCode)
	assert.Less(t, resp.TimeMS, int64(5000))
}

func TestPostCommandErrors(t *testing.T) {
	_, client, _ := newTestAgent(t, WithGuard(process.AllowList{Exec: []string{"echo", "no-such-program-*"}}))

	cases := []struct {
		name       string
		req        PostCommandRequest
		expStatus  int
		expMessage string
	}{
		{
			name:       "empty command",
			req:        PostCommandRequest{},
			expStatus:  http.StatusBadRequest,
			expMessage: "no command",
		},
		{
			name:       "invalid env entry",
			req:        PostCommandRequest{Command: []string{"echo"}, Env: []string{"NOEQUALS"}},
			expStatus:  http.StatusBadRequest,
			expMessage: "NOEQUALS",
		},
		{
			name:       "denied by guard",
			req:        PostCommandRequest{Command: []string{"sh", "-c", "true"}},
			expStatus:  http.StatusForbidden,
			expMessage: "access denied",
		},
		{
			name:       "missing program hides cause",
			req:        PostCommandRequest{Command: []string{"no-such-program-xyz"}},
			expStatus:  http.StatusForbidden,
			expMessage: `cannot run program "no-such-program-xyz"`,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := client.Run(context.Background(), c.req)
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr), "got %v", err)
			assert.Equal(t, c.expStatus, statusErr.StatusCode)
			assert.Contains(t, statusErr.Body, c.expMessage)
			assert.NotContains(t, statusErr.Body, "not found")
		})
	}
}

func TestStreamCommand(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newTestAgent(t)

	cases := []struct {
		name                  string
		cmd                   []string
		stdin                 string
		stdinFileContents     string
		expStdout             string
		expStderr             string
		expStdoutFileContents string
		expStderrFileContents string
	}{
		{
			name:      "happy case",
			cmd:       []string{"echo", "hello"},
			expStdout: "hello\n",
		},
		{
			name:      "stdout and stderr",
			cmd:       []string{"sh", "-c", "printf foo; printf bar 1>&2"},
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "stdin to stdout",
			cmd:       []string{"sh", "-c", "read line; echo $line bar"},
			stdin:     "foo\n",
			expStdout: "foo bar\n",
		},
		{
			name:      "large output",
			cmd:       []string{"sh", "-c", "head -c 200000 /dev/zero | tr '\\0' a"},
			expStdout: strings.Repeat("a", 200000),
		},
		{
			name:              "stdin from file",
			cmd:               []string{"cat"},
			stdinFileContents: "foo",
			expStdout:         "foo",
		},
		{
			name:                  "stdout to file",
			cmd:                   []string{"echo", "foo"},
			expStdoutFileContents: "foo\n",
		},
		{
			name:                  "stderr to file",
			cmd:                   []string{"sh", "-c", "printf foo 1>&2"},
			expStderrFileContents: "foo",
		},
		{
			name:                  "stdin from file, stdout and stderr to file",
			cmd:                   []string{"sh", "-c", "xargs printf; printf bar 1>&2"},
			stdinFileContents:     "foo",
			expStdoutFileContents: "foo",
			expStderrFileContents: "bar",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			spec := procstream.Spec{Command: c.cmd}
			if c.stdinFileContents != "" {
				spec.Stdin.File = filepath.Join(dir, "stdin")
				require.NoError(t, os.WriteFile(spec.Stdin.File, []byte(c.stdinFileContents), 0o644))
			}
			if c.expStdoutFileContents != "" {
				spec.Stdout.File = filepath.Join(dir, "stdout")
			}
			if c.expStderrFileContents != "" {
				spec.Stderr.File = filepath.Join(dir, "stderr")
			}

			proc, err := client.Start(ctx, spec)
			require.NoError(t, err)
			assert.Positive(t, proc.Pid())
			assert.NotEmpty(t, proc.ID())

			var stdout, stderr bytes.Buffer
			var group errgroup.Group
			group.Go(func() error {
				defer proc.Stdin().Close()
				if c.stdin == "" {
					return nil
				}
				_, err := io.WriteString(proc.Stdin(), c.stdin)
				return err
			})
			group.Go(func() error {
				_, err := io.Copy(&stdout, proc.Stdout())
				return err
			})
			group.Go(func() error {
				_, err := io.Copy(&stderr, proc.Stderr())
				return err
			})
			require.NoError(t, group.Wait())

			code, err := proc.Wait(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, code)
			assert.False(t, proc.IsAlive())

			assert.Equal(t, c.expStdout, stdout.String())
			assert.Equal(t, c.expStderr, stderr.String())
			if c.expStdoutFileContents != "" {
				b, err := os.ReadFile(spec.Stdout.File)
				require.NoError(t, err)
				assert.Equal(t, c.expStdoutFileContents, string(b))
			}
			if c.expStderrFileContents != "" {
				b, err := os.ReadFile(spec.Stderr.File)
				require.NoError(t, err)
				assert.Equal(t, c.expStderrFileContents, string(b))
			}
		})
	}
}

func TestStreamDestroy(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newTestAgent(t)

	proc, err := client.Start(ctx, procstream.Spec{
		Command: []string{"sleep", "10"},
		Stdin:   procstream.FD{Discard: true},
		Stdout:  procstream.FD{Discard: true},
		Stderr:  procstream.FD{Discard: true},
	})
	require.NoError(t, err)

	_, err = proc.ExitValue()
	assert.ErrorIs(t, err, process.ErrNotExited)
	exited, err := proc.WaitTimeout(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, exited)

	require.NoError(t, proc.Destroy())

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	code, err := proc.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 143, code)
	assert.Positive(t, proc.Duration())
}

func TestStreamStartError(t *testing.T) {
	_, client, _ := newTestAgent(t)

	_, err := client.Start(context.Background(), procstream.Spec{Command: []string{"no-such-program-xyz"}})
	assert.ErrorContains(t, err, `cannot run program "no-such-program-xyz"`)
}

func TestEnv(t *testing.T) {
	ctx := context.Background()
	base := environment.New(environment.POSIX)
	require.NoError(t, base.Set("ZED", "1"))
	require.NoError(t, base.Set("ALPHA", "2"))
	_, client, baseURL := newTestAgent(t, WithBaseEnv(base))

	resp, err := client.Environment(ctx)
	require.NoError(t, err)
	assert.Equal(t, "posix", resp.Flavor)
	assert.Equal(t, []EnvVar{{Name: "ALPHA", Value: "2"}, {Name: "ZED", Value: "1"}}, resp.Variables)

	httpResp, err := http.Get(baseURL + "/env?format=block")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	block, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	entries, err := environment.SplitBlock(block)
	require.NoError(t, err)
	assert.Equal(t, []string{"ALPHA=2", "ZED=1"}, entries)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	_, client, baseURL := newTestAgent(t)

	_, err := client.Run(ctx, PostCommandRequest{Command: []string{"true"}})
	require.NoError(t, err)
	_, err = client.Run(ctx, PostCommandRequest{Command: []string{"no-such-program-xyz"}})
	require.Error(t, err)

	resp, err := http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(b)
	assert.Contains(t, body, `procrt_agent_processes_started_total{endpoint="command"} 1`)
	assert.Contains(t, body, `procrt_agent_process_start_failures_total{endpoint="command",reason="start"} 1`)
}

func runTLSAgent(t *testing.T, certs *Certs) string {
	t.Helper()
	addr, err := netutil.EphemeralAddr()
	require.NoError(t, err)
	a, err := New(WithLogger(zap.NewNop()), WithListenAddr(addr), WithTLS(certs))
	require.NoError(t, err)
	require.NoError(t, a.Listen())

	go a.Run()
	t.Cleanup(func() {
		require.NoError(t, a.Stop())
	})
	return "https://" + a.Addr().String()
}

func TestMutualTLS(t *testing.T) {
	ctx := context.Background()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	baseURL := runTLSAgent(t, certs.Server)

	client, err := NewClient(log, baseURL, WithClientTLS(certs.Client))
	require.NoError(t, err)

	err = client.WaitForServer(ctx)
	require.NoError(t, err)

	resp, err := client.Run(ctx, PostCommandRequest{Command: []string{"echo", "secure"}})
	require.NoError(t, err)
	assert.Equal(t, "secure\n", resp.Stdout)

	proc, err := client.Start(ctx, procstream.Spec{Command: []string{"echo", "streamed"}, Stdin: procstream.FD{Discard: true}})
	require.NoError(t, err)
	var stdout bytes.Buffer
	var group errgroup.Group
	group.Go(func() error {
		_, err := io.Copy(&stdout, proc.Stdout())
		return err
	})
	group.Go(func() error {
		_, err := io.Copy(io.Discard, proc.Stderr())
		return err
	})
	require.NoError(t, group.Wait())
	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "streamed\n", stdout.String())
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)
	baseURL := runTLSAgent(t, serverCerts.Server)

	// trust the server's CA but present a client cert signed by some other CA,
	// which should fail server-side validation
	otherCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts := &Certs{
		CACertPEM: serverCerts.Client.CACertPEM,
		CertPEM:   otherCerts.Client.CertPEM,
		KeyPEM:    otherCerts.Client.KeyPEM,
	}
	client, err := NewClient(log, baseURL, WithClientTLS(clientCerts), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	_, err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls")
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot count open files: %s", err)
	}
	return len(entries)
}

func TestCommandsReleasePipes(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newTestAgent(t)
	const n = 20

	before := openFDs(t)
	for i := 0; i < n; i++ {
		_, err := client.Run(ctx, PostCommandRequest{Command: []string{"echo", "hi"}})
		require.NoError(t, err)

		proc, err := client.Start(ctx, procstream.Spec{Command: []string{"echo", "hi"}, Stdin: procstream.FD{Discard: true}})
		require.NoError(t, err)
		var group errgroup.Group
		group.Go(func() error {
			_, err := io.Copy(io.Discard, proc.Stdout())
			return err
		})
		group.Go(func() error {
			_, err := io.Copy(io.Discard, proc.Stderr())
			return err
		})
		require.NoError(t, group.Wait())
		_, err = proc.Wait(ctx)
		require.NoError(t, err)
	}
	// the server finishes a stream after sending the exit code
	time.Sleep(100 * time.Millisecond)

	// each leaked command would hold two pipe ends per endpoint
	assert.Less(t, openFDs(t)-before, n)
}
