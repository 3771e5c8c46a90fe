// Package mrclient is the Go SDK a job submitter links against: it stages a
// job with a request-handler node and blocks until the Master calls back
// with results.
//
// Grounded on map_reduce/client/server_interface.py's ServerInterface: that
// class registers itself as a tiny Pyro4 daemon exposing notify_results,
// looks up "request-handler" through the naming service, calls its
// startup(addr, data, map_f, reduce_f), then blocks on a lock that
// notify_results releases. Here the lock becomes a buffered channel and the
// Pyro4 daemon becomes a small Gin server built on
// internal/transport/httprpc's shared NotifyResultsHandler, so the wire
// shape matches exactly what internal/master.Master's NotifyClient call
// sends.
package mrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"chordreduce/internal/kernel"
	"chordreduce/internal/transport/httprpc"
)

// Client submits a single job and waits for its results. It is not safe to
// reuse across multiple concurrent jobs — construct one per submission.
type Client struct {
	self           string
	requestHandler string
	http           *http.Client
	srv            *http.Server
	results        chan []kernel.KeyValue
}

// New builds a Client that will listen on self (host:port, reachable by the
// cluster) for the Master's result callback, and stage jobs with the
// request-handler node at requestHandler.
func New(self, requestHandler string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		self:           self,
		requestHandler: requestHandler,
		http:           &http.Client{Timeout: timeout},
		results:        make(chan []kernel.KeyValue, 1),
	}
}

// Startup stages kernelName over data with the request-handler and starts
// this client's own callback listener. It mirrors
// ServerInterface.startup's lock-then-register-then-call-then-spawn-loop
// sequence, except the "lock" is simply not reading from c.results until
// AwaitResults is called.
func (c *Client) Startup(ctx context.Context, kernelName string, data []string) error {
	if err := c.listen(); err != nil {
		return fmt.Errorf("mrclient: starting callback listener: %w", err)
	}

	body := map[string]any{
		"client_addr": c.self,
		"kernel":      kernelName,
		"data":        data,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mrclient: encoding startup request: %w", err)
	}

	url := fmt.Sprintf("http://%s/request/startup", c.requestHandler)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.Close()
		return fmt.Errorf("mrclient: request-handler unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		c.Close()
		return fmt.Errorf("mrclient: startup rejected: status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

func (c *Client) listen() error {
	engine := httprpc.NewClientCallbackEngine(func(results []kernel.KeyValue) {
		select {
		case c.results <- results:
		default:
		}
	})
	c.srv = &http.Server{Addr: c.self, Handler: engine}

	ln, err := net.Listen("tcp", c.self)
	if err != nil {
		return err
	}
	go func() {
		_ = c.srv.Serve(ln)
	}()
	return nil
}

// AwaitResults blocks until the Master's notify-results callback fires or
// ctx is cancelled.
func (c *Client) AwaitResults(ctx context.Context) ([]kernel.KeyValue, error) {
	select {
	case results := <-c.results:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the callback listener. Safe to call even if Startup
// failed before the listener came up.
func (c *Client) Close() error {
	if c.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.srv.Shutdown(ctx)
}
