// Package cluster drives the same run on several agents at once and
// aggregates their results.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runningwild/expbench/pkg/agent"
	"github.com/runningwild/expbench/pkg/bench"
	"github.com/runningwild/expbench/pkg/engine"
)

type Client struct {
	nodes  []string
	http   *http.Client
	logger *slog.Logger
}

// New returns a client for the given agent addresses (host:port).
// timeout bounds every request, including the blocking result fetch,
// so it should exceed the agents' configured run duration.
func New(nodes []string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		nodes:  nodes,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Run starts mode on every node and waits for all of them.
//
// Cancelling ctx, or any node failing, cancels the run on every node that
// already started. The aggregate sums iterations and takes the longest
// elapsed time; it is Cancelled if any node was.
func (c *Client) Run(ctx context.Context, mode engine.Mode) (*engine.Result, error) {
	results := make([]*engine.Result, len(c.nodes))
	g, gctx := errgroup.WithContext(ctx)

	for i, node := range c.nodes {
		g.Go(func() error {
			if err := c.start(gctx, node, mode); err != nil {
				return fmt.Errorf("node %s: %w", node, err)
			}
			stop := context.AfterFunc(gctx, func() { c.cancel(node) })
			defer stop()

			// The result is still wanted after a cancel, so it must not
			// depend on gctx.
			res, err := c.result(context.WithoutCancel(gctx), node)
			if err != nil {
				return fmt.Errorf("node %s: %w", node, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return aggregate(mode, results), nil
}

// Progress sums the live progress of every node.
func (c *Client) Progress(ctx context.Context) (bench.Progress, error) {
	statuses := make([]agent.RunStatus, len(c.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range c.nodes {
		g.Go(func() error {
			resp, err := c.do(gctx, http.MethodGet, node, "/runs/current", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return json.NewDecoder(resp.Body).Decode(&statuses[i])
		})
	}
	if err := g.Wait(); err != nil {
		return bench.Progress{}, err
	}

	var p bench.Progress
	for _, st := range statuses {
		p.Iterations += st.Iterations
		p.Running = p.Running || st.Running
		p.Elapsed = max(p.Elapsed, st.Elapsed)
	}
	return p, nil
}

func (c *Client) start(ctx context.Context, node string, mode engine.Mode) error {
	body, err := json.Marshal(agent.StartRequest{Mode: mode})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, node, "/runs", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.logger.Debug("remote run started", "node", node, "mode", mode)
	return nil
}

func (c *Client) cancel(node string) {
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	resp, err := c.do(ctx, http.MethodDelete, node, "/runs/current", nil)
	if err != nil {
		c.logger.Warn("cancelling remote run", "node", node, "error", err)
		return
	}
	resp.Body.Close()
	c.logger.Info("remote run cancelled", "node", node)
}

func (c *Client) result(ctx context.Context, node string) (*engine.Result, error) {
	resp, err := c.do(ctx, http.MethodGet, node, "/runs/current/result", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var res engine.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &res, nil
}

// do sends one request and turns any non-2xx status into an error.
func (c *Client) do(ctx context.Context, method, node, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+node+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent error (%s): %s", resp.Status, bytes.TrimSpace(msg))
	}
	return resp, nil
}

func aggregate(mode engine.Mode, results []*engine.Result) *engine.Result {
	agg := &engine.Result{Mode: mode}
	for _, r := range results {
		if r == nil {
			continue
		}
		agg.Iterations += r.Iterations
		agg.Workers += r.Workers
		agg.FailedWorkers += r.FailedWorkers
		agg.PerWorker = append(agg.PerWorker, r.PerWorker...)
		agg.Elapsed = max(agg.Elapsed, r.Elapsed)
		if agg.BatchSize == 0 {
			agg.BatchSize = r.BatchSize
		}
		if r.Status == engine.Cancelled {
			agg.Status = engine.Cancelled
		}
	}
	return agg
}
