// Package hubclient calls the routing hub's HTTP API, over its unix
// socket or a TCP address.
package hubclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/router"
)

// unixBase is the dummy host used for unix socket requests. The actual
// connection goes through the socket, not this URL.
const unixBase = "http://unix"

// Client talks to one hub.
type Client struct {
	httpClient *http.Client
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	base       string
}

// New returns a client for hubURL: unix:///path/to/hub.sock, or an
// http:// or ws:// base URL.
func New(hubURL string) (*Client, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid hub URL")
	}

	c := &Client{}
	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	switch u.Scheme {
	case "unix":
		socket := u.Path
		c.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		transport.DialContext = c.dial
		c.base = unixBase
	case "ws", "wss", "http", "https":
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		c.base = strings.TrimSuffix(u.String(), "/")
	default:
		return nil, relayerrors.New(relayerrors.ErrCodeInvalidInput, "unsupported hub URL scheme").
			WithDetail("url", hubURL)
	}

	c.httpClient = &http.Client{Transport: transport, Timeout: 10 * time.Second}
	return c, nil
}

// IsRunning returns true if the hub is available and responding.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Sessions returns the hub's sessions.
func (c *Client) Sessions(ctx context.Context) ([]router.SessionInfo, error) {
	var out []router.SessionInfo
	return out, c.getJSON(ctx, "/api/sessions", &out)
}

// Config returns the hub's running configuration as a generic document.
func (c *Client) Config(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.getJSON(ctx, "/api/config", &out)
}

// Stats returns routing-event counters.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.getJSON(ctx, "/api/stats", &out)
}

// ShareReport stores the cached state of an instance and returns the
// report id.
func (c *Client) ShareReport(ctx context.Context, session, instance string) (string, error) {
	q := url.Values{"session": {session}, "instance": {instance}}
	resp, err := c.do(ctx, http.MethodPost, "/api/reports?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to decode report id")
	}
	return body.ID, nil
}

// Report fetches a shared report.
func (c *Client) Report(ctx context.Context, id string) (router.Report, error) {
	var out router.Report
	err := c.getJSON(ctx, "/api/reports/"+url.PathEscape(id), &out)
	if relayerrors.Is(err, relayerrors.ErrCodeReportNotFound) {
		return router.Report{}, relayerrors.ReportNotFound(id)
	}
	return out, err
}

// Reports lists shared reports, newest first.
func (c *Client) Reports(ctx context.Context) ([]router.Report, error) {
	var out []router.Report
	return out, c.getJSON(ctx, "/api/reports", &out)
}

// Stream subscribes to routing events via Server-Sent Events. The
// channel is closed when ctx is cancelled or the connection is lost.
func (c *Client) Stream(ctx context.Context) (<-chan router.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}

	// Use a separate client with no timeout for streaming
	transport := &http.Transport{DialContext: c.dial}
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeHubNotRunning, "failed to connect to stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	ch := make(chan router.Event, 10)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		defer transport.CloseIdleConnections()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e router.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				continue
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close cleans up any resources used by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to decode hub response").
			WithDetail("path", path)
	}
	return nil
}

// do performs a request and turns transport failures and error statuses
// into relay errors.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeHubNotRunning, "hub is not reachable")
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var payload struct {
		Error string                `json:"error"`
		Code  relayerrors.ErrorCode `json:"code"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &payload) == nil && payload.Code != "" {
		return nil, relayerrors.New(payload.Code, payload.Error).WithDetail("status", resp.StatusCode)
	}
	return nil, relayerrors.New(relayerrors.ErrCodeInternal, strings.TrimSpace(string(data))).
		WithDetail("status", resp.StatusCode)
}
