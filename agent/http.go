package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	"golang.org/x/time/rate"

	"github.com/helixfarm/helix/cluster"
)

const (
	dispatchPath = "/api/v1/dispatch"
	cancelPath   = "/api/v1/cancel"

	// Cap on dispatch+cancel calls per agent so a scheduling burst can't
	// overwhelm a node's control plane.
	defaultAgentRPS   = 20
	defaultAgentBurst = 40
)

// httpAgent talks to a node agent over HTTP JSON. Retries with backoff are
// delegated to pester; the scheduler still treats any final error as a
// transient dispatch failure subject to the job's retry policy.
type httpAgent struct {
	addr    string
	client  *pester.Client
	limiter *rate.Limiter
}

// NewHTTPAgent returns an Agent for the given node address
// (e.g. "http://host:9091").
func NewHTTPAgent(addr string) Agent {
	client := pester.New()
	client.Concurrency = 1
	client.MaxRetries = 3
	client.Backoff = pester.ExponentialJitterBackoff
	client.Timeout = 10 * time.Second
	return &httpAgent{
		addr:    addr,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(defaultAgentRPS), defaultAgentBurst),
	}
}

// HTTPFactory is an agent Factory dialing each node's advertised address.
func HTTPFactory(node cluster.Node) Agent {
	return NewHTTPAgent(node.Addr())
}

func (a *httpAgent) Dispatch(ctx context.Context, payload TaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal dispatch payload")
	}
	return a.post(ctx, a.addr+dispatchPath, body)
}

func (a *httpAgent) Cancel(ctx context.Context, taskID string) error {
	body, err := json.Marshal(map[string]string{"taskId": taskID})
	if err != nil {
		return errors.Wrap(err, "marshal cancel payload")
	}
	return a.post(ctx, a.addr+cancelPath, body)
}

func (a *httpAgent) post(ctx context.Context, url string, body []byte) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "agent rate limit")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent nack %s: %d %s", url, resp.StatusCode, msg)
	}
	return nil
}
