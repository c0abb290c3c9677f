// Package relay fans room traffic out across server instances so peers of
// one project connected to different instances still see each other.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

type Relay interface {
	Publish(ctx context.Context, projectID string, env types.Envelope) error
	// Subscribe delivers envelopes published by other instances.
	Subscribe(ctx context.Context, projectID string, fn func(types.Envelope)) (unsubscribe func(), err error)
	Close() error
}

// Local is the single-instance relay: there is nobody else to tell.
type Local struct{}

func (Local) Publish(context.Context, string, types.Envelope) error { return nil }

func (Local) Subscribe(context.Context, string, func(types.Envelope)) (func(), error) {
	return func() {}, nil
}

func (Local) Close() error { return nil }

type frame struct {
	Instance string         `json:"instance"`
	Envelope types.Envelope `json:"envelope"`
}

func Channel(projectID string) string { return "diagram:project:" + projectID }

// Redis relays over pub/sub, one channel per project.
type Redis struct {
	rdb      *redis.Client
	instance string
	log      *zap.Logger
}

func NewRedis(url, instance string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return &Redis{rdb: redis.NewClient(opts), instance: instance, log: log}, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Publish(ctx context.Context, projectID string, env types.Envelope) error {
	b, err := json.Marshal(frame{Instance: r.instance, Envelope: env})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, Channel(projectID), b).Err()
}

func (r *Redis) Subscribe(ctx context.Context, projectID string, fn func(types.Envelope)) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, Channel(projectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", projectID, err)
	}
	go func() {
		for msg := range pubsub.Channel() {
			env, ok := decodeFrame(r.instance, []byte(msg.Payload))
			if !ok {
				continue
			}
			fn(env)
		}
	}()
	return func() { _ = pubsub.Close() }, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

// decodeFrame drops malformed frames and this instance's own publications.
func decodeFrame(instance string, payload []byte) (types.Envelope, bool) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil || f.Envelope.Type == "" {
		return types.Envelope{}, false
	}
	if f.Instance == instance {
		return types.Envelope{}, false
	}
	return f.Envelope, true
}
