// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package memory implements the live gateway in process memory, for
// single-node runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"updraft.dev/updraft/live"
)

// Error is a memory gateway error.
var Error = errs.Class("live: memory")

// Gateway implements live.Gateway with mutex-guarded maps. A single lock
// gives the same transition atomicity the redis backend gets from watch
// transactions.
type Gateway struct {
	mu        sync.Mutex
	responses map[string]map[string]live.CachedResponse
	counters  map[string]map[string]int64
	clients   map[string]map[string]string
}

// New returns an empty Gateway.
func New() *Gateway {
	return &Gateway{
		responses: make(map[string]map[string]live.CachedResponse),
		counters:  make(map[string]map[string]int64),
		clients:   make(map[string]map[string]string),
	}
}

// GetCachedResponse returns the cached decision for the request shape.
func (gateway *Gateway) GetCachedResponse(ctx context.Context, deploymentKey, url string) (*live.CachedResponse, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	response, ok := gateway.responses[live.ResponseHashName(deploymentKey)][url]
	if !ok {
		return nil, live.ErrCacheMiss.New("%q", url)
	}
	response.Body = append([]byte(nil), response.Body...)
	return &response, nil
}

// SetCachedResponse stores the decision for the request shape.
func (gateway *Gateway) SetCachedResponse(ctx context.Context, deploymentKey, url string, response live.CachedResponse) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	name := live.ResponseHashName(deploymentKey)
	if gateway.responses[name] == nil {
		gateway.responses[name] = make(map[string]live.CachedResponse)
	}
	response.Body = append([]byte(nil), response.Body...)
	gateway.responses[name][url] = response
	return nil
}

// Invalidate drops every cached decision for the deployment key.
func (gateway *Gateway) Invalidate(ctx context.Context, deploymentKey string) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	delete(gateway.responses, live.ResponseHashName(deploymentKey))
	return nil
}

// IncrementLabelStatus bumps one lifecycle counter of a label.
func (gateway *Gateway) IncrementLabelStatus(ctx context.Context, deploymentKey, label string, status live.Status) error {
	if !live.ValidReportStatus(status) {
		return Error.New("invalid status: %q", status)
	}

	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	gateway.incrementLocked(deploymentKey, live.LabelStatusField(label, status), 1)
	return nil
}

// Metrics returns the per-label counters of the deployment key.
func (gateway *Gateway) Metrics(ctx context.Context, deploymentKey string) (map[string]live.LabelMetrics, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	fields := gateway.counters[live.LabelsHashName(deploymentKey)]
	raw := make(map[string]int64, len(fields))
	for field, count := range fields {
		raw[field] = count
	}
	return live.AggregateMetrics(raw), nil
}

// ClearMetrics drops all counters and client tracking for the key.
func (gateway *Gateway) ClearMetrics(ctx context.Context, deploymentKey string) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	delete(gateway.counters, live.LabelsHashName(deploymentKey))
	delete(gateway.clients, live.ClientsHashName(deploymentKey))
	return nil
}

// RecordUpdate counts a successful install of label and adjusts the previous
// deployment's running gauge when the device reported one.
func (gateway *Gateway) RecordUpdate(ctx context.Context, deploymentKey, label, previousDeploymentKey, previousLabel string) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	gateway.incrementLocked(deploymentKey, live.LabelActiveField(label), 1)
	gateway.incrementLocked(deploymentKey, live.LabelStatusField(label, live.StatusDeploymentSucceeded), 1)
	if previousDeploymentKey != "" && previousLabel != "" {
		gateway.incrementLocked(previousDeploymentKey, live.LabelActiveField(previousLabel), -1)
	}
	return nil
}

// UpdateActiveClient atomically moves the device's running gauge from its
// tracked label (or fromLabel when untracked) to toLabel.
func (gateway *Gateway) UpdateActiveClient(ctx context.Context, deploymentKey, clientID, toLabel, fromLabel string) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	name := live.ClientsHashName(deploymentKey)
	current := gateway.clients[name][clientID]
	if current == toLabel {
		return nil
	}

	if gateway.clients[name] == nil {
		gateway.clients[name] = make(map[string]string)
	}
	gateway.clients[name][clientID] = toLabel
	gateway.incrementLocked(deploymentKey, live.LabelActiveField(toLabel), 1)
	switch {
	case current != "":
		gateway.incrementLocked(deploymentKey, live.LabelActiveField(current), -1)
	case fromLabel != "":
		gateway.incrementLocked(deploymentKey, live.LabelActiveField(fromLabel), -1)
	}
	return nil
}

// ActiveLabel returns the label the device is tracked as running, or the
// empty string for untracked devices.
func (gateway *Gateway) ActiveLabel(ctx context.Context, deploymentKey, clientID string) (string, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	return gateway.clients[live.ClientsHashName(deploymentKey)][clientID], nil
}

// RemoveActiveClient forgets the device and decrements the gauge of its
// tracked label.
func (gateway *Gateway) RemoveActiveClient(ctx context.Context, deploymentKey, clientID string) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	name := live.ClientsHashName(deploymentKey)
	current, ok := gateway.clients[name][clientID]
	if !ok {
		return nil
	}
	gateway.incrementLocked(deploymentKey, live.LabelActiveField(current), -1)
	delete(gateway.clients[name], clientID)
	return nil
}

// Ping verifies the store is reachable.
func (gateway *Gateway) Ping(ctx context.Context) error { return nil }

// Close releases the gateway's resources.
func (gateway *Gateway) Close() error { return nil }

func (gateway *Gateway) incrementLocked(deploymentKey, field string, delta int64) {
	name := live.LabelsHashName(deploymentKey)
	if gateway.counters[name] == nil {
		gateway.counters[name] = make(map[string]int64)
	}
	gateway.counters[name][field] += delta
}
