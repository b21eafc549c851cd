// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package redis implements the live gateway on a redis server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"updraft.dev/updraft/live"
)

var (
	// Error is a redis gateway error.
	Error = errs.Class("live: redis")

	mon = monkit.Package()
)

// watch transactions retry a few times before giving up; contention on a
// single client's hash field is rare.
const txRetries = 3

// Gateway implements live.Gateway on redis.
type Gateway struct {
	client *redis.Client
}

// OpenGateway returns a Gateway, verifying a successful connection with a
// ping.
func OpenGateway(ctx context.Context, address, password string, db int) (*Gateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return &Gateway{client: client}, nil
}

// OpenGatewayFrom returns a Gateway from a redis:// address.
func OpenGatewayFrom(ctx context.Context, address string) (*Gateway, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()
	db := 0
	if s := q.Get("db"); s != "" {
		db, err = strconv.Atoi(s)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return OpenGateway(ctx, redisurl.Host, q.Get("password"), db)
}

// GetCachedResponse returns the cached decision for the request shape.
func (gateway *Gateway) GetCachedResponse(ctx context.Context, deploymentKey, url string) (_ *live.CachedResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := gateway.client.HGet(ctx, live.ResponseHashName(deploymentKey), url).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, live.ErrCacheMiss.New("%q", url)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var response live.CachedResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, Error.Wrap(err)
	}
	return &response, nil
}

// SetCachedResponse stores the decision for the request shape.
func (gateway *Gateway) SetCachedResponse(ctx context.Context, deploymentKey, url string, response live.CachedResponse) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(response)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(gateway.client.HSet(ctx, live.ResponseHashName(deploymentKey), url, data).Err())
}

// Invalidate drops every cached decision for the deployment key.
func (gateway *Gateway) Invalidate(ctx context.Context, deploymentKey string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(gateway.client.Del(ctx, live.ResponseHashName(deploymentKey)).Err())
}

// IncrementLabelStatus bumps one lifecycle counter of a label.
func (gateway *Gateway) IncrementLabelStatus(ctx context.Context, deploymentKey, label string, status live.Status) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !live.ValidReportStatus(status) {
		return Error.New("invalid status: %q", status)
	}
	field := live.LabelStatusField(label, status)
	return Error.Wrap(gateway.client.HIncrBy(ctx, live.LabelsHashName(deploymentKey), field, 1).Err())
}

// Metrics returns the per-label counters of the deployment key.
func (gateway *Gateway) Metrics(ctx context.Context, deploymentKey string) (_ map[string]live.LabelMetrics, err error) {
	defer mon.Task()(&ctx)(&err)

	fields, err := gateway.client.HGetAll(ctx, live.LabelsHashName(deploymentKey)).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	raw := make(map[string]int64, len(fields))
	for field, value := range fields {
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		raw[field] = count
	}
	return live.AggregateMetrics(raw), nil
}

// ClearMetrics drops all counters and client tracking for the key.
func (gateway *Gateway) ClearMetrics(ctx context.Context, deploymentKey string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(gateway.client.Del(ctx,
		live.LabelsHashName(deploymentKey),
		live.ClientsHashName(deploymentKey),
	).Err())
}

// RecordUpdate counts a successful install of label and adjusts the previous
// deployment's running gauge when the device reported one.
func (gateway *Gateway) RecordUpdate(ctx context.Context, deploymentKey, label, previousDeploymentKey, previousLabel string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = gateway.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		labels := live.LabelsHashName(deploymentKey)
		pipe.HIncrBy(ctx, labels, live.LabelActiveField(label), 1)
		pipe.HIncrBy(ctx, labels, live.LabelStatusField(label, live.StatusDeploymentSucceeded), 1)
		if previousDeploymentKey != "" && previousLabel != "" {
			previous := live.LabelsHashName(previousDeploymentKey)
			pipe.HIncrBy(ctx, previous, live.LabelActiveField(previousLabel), -1)
		}
		return nil
	})
	return Error.Wrap(err)
}

// UpdateActiveClient atomically moves the device's running gauge from its
// tracked label (or fromLabel when untracked) to toLabel.
func (gateway *Gateway) UpdateActiveClient(ctx context.Context, deploymentKey, clientID, toLabel, fromLabel string) (err error) {
	defer mon.Task()(&ctx)(&err)

	clients := live.ClientsHashName(deploymentKey)
	labels := live.LabelsHashName(deploymentKey)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, clients, clientID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current == toLabel {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, clients, clientID, toLabel)
			pipe.HIncrBy(ctx, labels, live.LabelActiveField(toLabel), 1)
			switch {
			case current != "":
				pipe.HIncrBy(ctx, labels, live.LabelActiveField(current), -1)
			case fromLabel != "":
				pipe.HIncrBy(ctx, labels, live.LabelActiveField(fromLabel), -1)
			}
			return nil
		})
		return err
	}
	return Error.Wrap(gateway.watch(ctx, txf, clients))
}

// ActiveLabel returns the label the device is tracked as running, or the
// empty string for untracked devices.
func (gateway *Gateway) ActiveLabel(ctx context.Context, deploymentKey, clientID string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	label, err := gateway.client.HGet(ctx, live.ClientsHashName(deploymentKey), clientID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return label, Error.Wrap(err)
}

// RemoveActiveClient forgets the device and decrements the gauge of its
// tracked label.
func (gateway *Gateway) RemoveActiveClient(ctx context.Context, deploymentKey, clientID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	clients := live.ClientsHashName(deploymentKey)
	labels := live.LabelsHashName(deploymentKey)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, clients, clientID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, labels, live.LabelActiveField(current), -1)
			pipe.HDel(ctx, clients, clientID)
			return nil
		})
		return err
	}
	return Error.Wrap(gateway.watch(ctx, txf, clients))
}

// Ping verifies the store is reachable.
func (gateway *Gateway) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(gateway.client.Ping(ctx).Err())
}

// Close closes the underlying client.
func (gateway *Gateway) Close() error {
	return Error.Wrap(gateway.client.Close())
}

func (gateway *Gateway) watch(ctx context.Context, txf func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = gateway.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
