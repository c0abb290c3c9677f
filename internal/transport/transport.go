// Package transport is the client side of the sync channel. It owns one
// socket at a time, performs the join handshake on every (re)connect and
// reports everything it hears as typed events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrJoinRejected     = errors.New("join rejected")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

// RejectedError carries the server's reason for refusing a join.
type RejectedError struct{ Code string }

func (e *RejectedError) Error() string { return "join rejected: " + e.Code }
func (e *RejectedError) Unwrap() error { return ErrJoinRejected }

type Config struct {
	URL  string
	Join types.JoinRequest

	JoinTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxRetries     uint64
	BufferSize     int
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:    5 * time.Second,
		WriteTimeout:   3 * time.Second,
		PingInterval:   15 * time.Second,
		ReconnectDelay: time.Second,
		MaxRetries:     10,
		BufferSize:     64,
	}
}

type Transport struct {
	cfg    Config
	dial   Dialer
	log    *zap.Logger
	events chan Event

	mu    sync.Mutex
	state State
	out   chan []byte
}

func New(cfg Config, dial Dialer, log *zap.Logger) *Transport {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Transport{
		cfg:    cfg,
		dial:   dial,
		log:    log,
		events: make(chan Event, 256),
		state:  StateClosed,
	}
}

// Events is closed when Run returns.
func (t *Transport) Events() <-chan Event { return t.events }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Run connects, joins and serves until ctx is done, the join is rejected or
// reconnect retries run out. Every reconnect re-sends join.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.events)

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(t.cfg.ReconnectDelay), t.cfg.MaxRetries)
	for {
		t.setState(ctx, StateConnecting, nil)
		conn, err := t.connect(ctx)
		if err == nil {
			policy.Reset()
			err = t.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			t.closed(nil)
			return nil
		}
		if errors.Is(err, ErrJoinRejected) {
			t.log.Info("join rejected", zap.Error(err))
			t.closed(err)
			return err
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			err = fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			t.closed(err)
			return err
		}
		t.log.Info("connection lost, reconnecting", zap.Error(err), zap.Duration("wait", wait))
		t.setState(ctx, StateReconnecting, err)
		select {
		case <-ctx.Done():
			t.closed(nil)
			return nil
		case <-time.After(wait):
		}
	}
}

func (t *Transport) connect(ctx context.Context) (Conn, error) {
	conn, err := t.dial(ctx, t.cfg.URL)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	t.setState(ctx, StateJoining, nil)
	join, err := json.Marshal(types.MustEnvelope(types.MsgJoin, t.cfg.Join))
	if err != nil {
		return nil, err
	}
	jctx, cancel := context.WithTimeout(ctx, t.cfg.JoinTimeout)
	defer cancel()
	if err := conn.Write(jctx, join); err != nil {
		return nil, err
	}

	for {
		data, err := conn.Read(jctx)
		if err != nil {
			return nil, fmt.Errorf("join: %w", err)
		}
		env, err := types.ParseEnvelope(data)
		if err != nil {
			t.log.Debug("dropping malformed frame during join", zap.Error(err))
			continue
		}
		ev, ok, err := decodeEvent(env)
		if !ok || err != nil {
			t.log.Debug("dropping frame during join", zap.String("type", string(env.Type)), zap.Error(err))
			continue
		}
		switch ev := ev.(type) {
		case ServerError:
			return nil, &RejectedError{Code: ev.Code}
		case Joined:
			// sendable before anyone hears about the join
			t.mu.Lock()
			t.out = make(chan []byte, t.cfg.BufferSize)
			t.state = StateSynced
			t.mu.Unlock()
			t.emit(ctx, ev)
			t.emit(ctx, StateChanged{State: StateSynced})
			success = true
			return conn, nil
		default:
			t.emit(ctx, ev)
		}
	}
}

func (t *Transport) serve(ctx context.Context, conn Conn) error {
	defer conn.Close()
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	out := t.out
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.out = nil
		t.mu.Unlock()
	}()

	// Writer goroutine
	go func() {
		defer cancel()
		ping := time.NewTicker(t.cfg.PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case msg := <-out:
				wctx, wcancel := context.WithTimeout(cctx, t.cfg.WriteTimeout)
				err := conn.Write(wctx, msg)
				wcancel()
				if err != nil {
					t.log.Debug("write failed", zap.Error(err))
					return
				}
			case <-ping.C:
				pctx, pcancel := context.WithTimeout(cctx, t.cfg.WriteTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					t.log.Debug("ping failed", zap.Error(err))
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		data, err := conn.Read(cctx)
		if err != nil {
			return err
		}
		env, err := types.ParseEnvelope(data)
		if err != nil {
			t.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		ev, ok, err := decodeEvent(env)
		if !ok {
			t.log.Debug("ignoring frame", zap.String("type", string(env.Type)))
			continue
		}
		if err != nil {
			t.log.Warn("dropping undecodable frame", zap.String("type", string(env.Type)), zap.Error(err))
			continue
		}
		t.emit(cctx, ev)
	}
}

// Send queues one envelope on the current connection.
func (t *Transport) Send(env types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil || t.state != StateSynced {
		return ErrNotConnected
	}
	select {
	case t.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *Transport) BroadcastDelta(update []byte) error {
	return t.Send(types.MustEnvelope(types.MsgDelta, types.Delta{ProjectID: t.cfg.Join.ProjectID, Update: update}))
}

func (t *Transport) BroadcastSnapshot(stamp int64, origin string, s types.DiagramSnapshotV1) error {
	return t.Send(types.MustEnvelope(types.MsgSnapshot, types.SnapshotBroadcast{
		ProjectID: t.cfg.Join.ProjectID, Stamp: stamp, Origin: origin, Snapshot: s,
	}))
}

func (t *Transport) BroadcastPresence(states map[string]types.PresenceState) error {
	return t.Send(types.MustEnvelope(types.MsgPresence, types.PresenceUpdate{ProjectID: t.cfg.Join.ProjectID, States: states}))
}

func (t *Transport) RequestEdit(req types.RequestEdit) error {
	req.ProjectID = t.cfg.Join.ProjectID
	return t.Send(types.MustEnvelope(types.MsgRequestEdit, req))
}

func (t *Transport) ApproveEdit(msg types.ApproveEdit) error {
	msg.ProjectID = t.cfg.Join.ProjectID
	return t.Send(types.MustEnvelope(types.MsgApproveEdit, msg))
}

func (t *Transport) emit(ctx context.Context, ev Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *Transport) setState(ctx context.Context, s State, err error) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.emit(ctx, StateChanged{State: s, Err: err})
}

// closed reports the terminal state without blocking on a consumer that has
// already gone away.
func (t *Transport) closed(err error) {
	t.mu.Lock()
	t.state = StateClosed
	t.out = nil
	t.mu.Unlock()
	select {
	case t.events <- StateChanged{State: StateClosed, Err: err}:
	default:
	}
}
