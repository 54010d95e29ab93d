package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/procrt/agent/procstream"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// StatusError is returned when the agent answers with a non-200 status code.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d received when %s: %s", e.StatusCode, e.Op, strings.TrimSpace(e.Body))
}

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	certs                    *Certs
	customizeRetryableClient func(*retryablehttp.Client)
	streamClient             *procstream.Client

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithClientTLS authenticates to the agent with the client certificate in certs.
func WithClientTLS(certs *Certs) ClientOption {
	return func(c *Client) {
		c.certs = certs
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryPolicy retries connection errors and unavailable servers only, since a command that reached the
// agent may already have run.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode != http.StatusServiceUnavailable {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewClient builds a client for the agent at baseURL, e.g. "http://127.0.0.1:8080".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{}
	if c.certs != nil {
		tlsConfig, err := c.certs.ClientTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = retryPolicy
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.streamClient = &procstream.Client{
		HTTPClient: c.HTTPClient,
		URL:        c.baseURL + "/command",
		Logger:     c.Logger.Named("stream_client"),
	}
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s over HTTP: %w", op, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		var respBody string
		b, err := io.ReadAll(httpResp.Body)
		if err != nil {
			respBody = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			respBody = string(b)
		}
		return &StatusError{Op: op, StatusCode: httpResp.StatusCode, Body: respBody}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	if err := c.do(ctx, "sending heartbeat", http.MethodGet, "/heartbeat", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run runs a command to completion and returns its output.
func (c *Client) Run(ctx context.Context, req PostCommandRequest) (*PostCommandResponse, error) {
	var resp PostCommandResponse
	if err := c.do(ctx, "running command", http.MethodPost, "/command", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Environment returns the environment commands start from on the agent.
func (c *Client) Environment(ctx context.Context) (*EnvResponse, error) {
	var resp EnvResponse
	if err := c.do(ctx, "reading environment", http.MethodGet, "/env", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start starts a process on the agent, streaming its standard streams over a WebSocket.
func (c *Client) Start(ctx context.Context, spec procstream.Spec) (*procstream.RemoteProcess, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("spec contained no command")
	}
	return c.streamClient.Start(ctx, spec)
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}
