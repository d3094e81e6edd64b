package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// ErrNoHealthyEndpoint is returned by Select when every endpoint of the
// requested network is marked unhealthy. Callers treat it as a
// transient settlement failure, not a fatal condition.
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")

// Endpoint is one RPC path to the ledger. Health state is process-local
// and rebuilt from configuration on boot.
type Endpoint struct {
	URL                 string
	Network             string
	Healthy             bool
	ConsecutiveFailures int
	LastResponseTime    time.Duration
	LastCheckedAt       time.Time

	dialMu sync.Mutex
	client *ethclient.Client
}

// Client returns the dialed ethclient for the endpoint, dialing lazily
// on first use. Safe for concurrent callers: partition submissions and
// the reinstatement probe can hold the same endpoint at once.
func (e *Endpoint) Client() (*ethclient.Client, error) {
	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	c, err := ethclient.Dial(e.URL)
	if err != nil {
		return nil, fmt.Errorf("ethclient.Dial(%s): %w", e.URL, err)
	}
	e.client = c
	return c, nil
}

// Registry tracks per-network endpoint pools and their health. All
// mutation goes through ReportOutcome and the reinstatement probe;
// selection ranks healthy endpoints by most recent latency.
type Registry struct {
	mu             sync.Mutex
	pools          map[string][]*Endpoint
	unhealthyAfter int
	probeTimeout   time.Duration
	probeFn        func(ctx context.Context, ep *Endpoint) (time.Duration, error)
	logger         logrus.FieldLogger
}

func NewRegistry(endpoints map[string][]string, unhealthyAfter int, logger logrus.FieldLogger) *Registry {
	pools := make(map[string][]*Endpoint, len(endpoints))
	for network, urls := range endpoints {
		pool := make([]*Endpoint, 0, len(urls))
		for _, u := range urls {
			pool = append(pool, &Endpoint{
				URL:     u,
				Network: network,
				Healthy: true,
			})
		}
		pools[network] = pool
	}
	r := &Registry{
		pools:          pools,
		unhealthyAfter: unhealthyAfter,
		probeTimeout:   10 * time.Second,
		logger:         logger.WithField("component", "rpc-registry"),
	}
	r.probeFn = r.probe
	return r
}

// Endpoints returns the configured pool for a network, healthy or not.
func (r *Registry) Endpoints(network string) []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Endpoint(nil), r.pools[network]...)
}

// Select returns the healthy endpoint with the lowest recent latency
// for the network, or ErrNoHealthyEndpoint.
func (r *Registry) Select(network string) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var healthy []*Endpoint
	for _, ep := range r.pools[network] {
		if ep.Healthy {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].LastResponseTime < healthy[j].LastResponseTime
	})
	return healthy[0], nil
}

// ReportOutcome feeds a submission result back into health state. A
// failure increments ConsecutiveFailures and demotes the endpoint once
// the configured threshold is reached; a success resets the counter.
func (r *Registry) ReportOutcome(ep *Endpoint, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep.LastCheckedAt = time.Now()
	if success {
		ep.ConsecutiveFailures = 0
		ep.Healthy = true
		ep.LastResponseTime = latency
		return
	}

	ep.ConsecutiveFailures++
	if ep.ConsecutiveFailures >= r.unhealthyAfter && ep.Healthy {
		ep.Healthy = false
		r.logger.WithFields(logrus.Fields{
			"url":                  ep.URL,
			"network":              ep.Network,
			"consecutive_failures": ep.ConsecutiveFailures,
		}).Warn("endpoint marked unhealthy")
	}
}

// RunReinstatement probes unhealthy endpoints every interval and
// reinstates the ones that respond, so the pool self-heals without
// operator action. Blocks until ctx is cancelled.
func (r *Registry) RunReinstatement(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeUnhealthy(ctx)
		}
	}
}

func (r *Registry) probeUnhealthy(ctx context.Context) {
	r.mu.Lock()
	var down []*Endpoint
	for _, pool := range r.pools {
		for _, ep := range pool {
			if !ep.Healthy {
				down = append(down, ep)
			}
		}
	}
	r.mu.Unlock()

	for _, ep := range down {
		latency, err := r.probeFn(ctx, ep)
		if err != nil {
			r.logger.WithError(err).WithField("url", ep.URL).Debug("reinstatement probe failed")
			r.mu.Lock()
			ep.LastCheckedAt = time.Now()
			r.mu.Unlock()
			continue
		}

		r.mu.Lock()
		ep.Healthy = true
		ep.ConsecutiveFailures = 0
		ep.LastResponseTime = latency
		ep.LastCheckedAt = time.Now()
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"url":     ep.URL,
			"network": ep.Network,
		}).Info("endpoint reinstated")
	}
}

func (r *Registry) probe(ctx context.Context, ep *Endpoint) (time.Duration, error) {
	client, err := ep.Client()
	if err != nil {
		return 0, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	if _, err := client.BlockNumber(probeCtx); err != nil {
		return 0, fmt.Errorf("client.BlockNumber: %w", err)
	}
	return time.Since(start), nil
}
