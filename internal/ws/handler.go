package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/diagram-collab/internal/access"
	"github.com/DoyleJ11/diagram-collab/internal/doc"
	"github.com/DoyleJ11/diagram-collab/internal/hub"
	"github.com/DoyleJ11/diagram-collab/internal/metrics"
	"github.com/DoyleJ11/diagram-collab/internal/room"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

type Options struct {
	JoinTimeout     time.Duration
	WriteTimeout    time.Duration
	FramesPerSecond float64
	Burst           int
	OutboxSize      int
	ReadLimit       int64
	// OriginPatterns loosens the same-origin check, e.g. "localhost:*" in dev.
	OriginPatterns []string
}

func DefaultOptions() Options {
	return Options{
		JoinTimeout:     10 * time.Second,
		WriteTimeout:    3 * time.Second,
		FramesPerSecond: 60,
		Burst:           120,
		OutboxSize:      64,
		ReadLimit:       4 << 20,
	}
}

var errBadFrame = errors.New("bad frame")

func Handler(h *hub.Hub, res *access.Resolver, opts Options, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(opts.ReadLimit)
		ctx := r.Context()

		join, err := readJoin(ctx, conn, opts.JoinTimeout)
		if err != nil {
			metrics.FramesRejected.WithLabelValues("join").Inc()
			writeNow(ctx, conn, opts.WriteTimeout, errorFrame(types.ReasonBadMessage, err.Error()))
			conn.Close(websocket.StatusPolicyViolation, "join required")
			return
		}

		grant, err := res.Resolve(ctx, join.ProjectID, join.Credential, join.ShareToken)
		if err != nil {
			reason := access.Reason(err)
			if reason == "" {
				log.Error("resolving join", zap.String("project", join.ProjectID), zap.Error(err))
				conn.Close(websocket.StatusInternalError, "try again")
				return
			}
			writeNow(ctx, conn, opts.WriteTimeout, errorFrame(reason, ""))
			conn.Close(websocket.StatusPolicyViolation, reason)
			return
		}

		rm, ok := h.Ensure(ctx, join.ProjectID)
		if !ok {
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}

		name := join.DisplayName
		if name == "" {
			name = grant.Name
		}
		peerID := uuid.NewString()
		out := make(chan types.Envelope, opts.OutboxSize)
		direct := make(chan types.Envelope, 4)
		plog := log.With(zap.String("project", join.ProjectID), zap.String("peer", peerID))

		if !rm.Post(ctx, room.Join{Member: room.Member{
			PeerID:    peerID,
			UserID:    grant.UserID,
			Name:      name,
			Role:      grant.Role,
			Anonymous: grant.Anonymous,
		}, Outbox: out}) {
			conn.Close(websocket.StatusGoingAway, "room closed")
			return
		}
		defer rm.Post(context.Background(), room.Leave{PeerID: peerID})

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(ctx)
		defer writeCancel()
		go func() {
			defer writeCancel()
			for {
				var env types.Envelope
				select {
				case <-writeCtx.Done():
					return
				case env = <-direct:
				case e, ok := <-out:
					if !ok {
						// the room dropped us
						conn.Close(websocket.StatusTryAgainLater, "too slow")
						return
					}
					env = e
				}
				if err := writeNow(writeCtx, conn, opts.WriteTimeout, env); err != nil {
					plog.Debug("write failed", zap.Error(err))
					conn.CloseNow()
					return
				}
			}
		}()

		// Reader loop
		limiter := rate.NewLimiter(rate.Limit(opts.FramesPerSecond), opts.Burst)
		for {
			_, data, err := conn.Read(writeCtx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					plog.Debug("read ended", zap.Error(err))
				}
				return
			}
			if !limiter.Allow() {
				metrics.FramesRejected.WithLabelValues("rate").Inc()
				continue
			}
			msg, err := toRoomMsg(peerID, join.ProjectID, data)
			if err != nil {
				metrics.FramesRejected.WithLabelValues("malformed").Inc()
				select {
				case direct <- errorFrame(types.ReasonBadMessage, err.Error()):
				default:
				}
				continue
			}
			if msg == nil {
				continue
			}
			if !rm.Post(writeCtx, msg) {
				return
			}
		}
	}
}

func readJoin(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (types.JoinRequest, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, data, err := conn.Read(rctx)
	if err != nil {
		return types.JoinRequest{}, err
	}
	env, err := types.ParseEnvelope(data)
	if err != nil {
		return types.JoinRequest{}, err
	}
	if env.Type != types.MsgJoin {
		return types.JoinRequest{}, errors.New("first frame must be join")
	}
	var j types.JoinRequest
	if err := env.Decode(&j); err != nil {
		return types.JoinRequest{}, err
	}
	if j.ProjectID == "" {
		return types.JoinRequest{}, errors.New("missing projectId")
	}
	return j, nil
}

// toRoomMsg decodes one client frame. A nil message with nil error means the
// frame is valid but needs no action.
func toRoomMsg(peerID, projectID string, data []byte) (room.Msg, error) {
	env, err := types.ParseEnvelope(data)
	if err != nil {
		return nil, errBadFrame
	}
	switch env.Type {
	case types.MsgJoin:
		// already joined; a repeated join is harmless
		return nil, nil

	case types.MsgDelta:
		var d types.Delta
		if err := env.Decode(&d); err != nil {
			return nil, err
		}
		if err := sameProject(projectID, d.ProjectID); err != nil {
			return nil, err
		}
		return room.Delta{PeerID: peerID, Update: d.Update}, nil

	case types.MsgSnapshot:
		var s types.SnapshotBroadcast
		if err := env.Decode(&s); err != nil {
			return nil, err
		}
		if err := sameProject(projectID, s.ProjectID); err != nil {
			return nil, err
		}
		b, err := doc.Update{Stamp: s.Stamp, Origin: s.Origin, Snapshot: s.Snapshot}.Encode()
		if err != nil {
			return nil, err
		}
		return room.Delta{PeerID: peerID, Update: b}, nil

	case types.MsgPresence:
		var p types.PresenceUpdate
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := sameProject(projectID, p.ProjectID); err != nil {
			return nil, err
		}
		st, ok := p.States[peerID]
		if !ok {
			return nil, nil
		}
		return room.Presence{PeerID: peerID, State: st}, nil

	case types.MsgRequestEdit:
		var req types.RequestEdit
		if len(env.Data) > 0 {
			if err := env.Decode(&req); err != nil {
				return nil, err
			}
		}
		if err := sameProject(projectID, req.ProjectID); err != nil {
			return nil, err
		}
		return room.RequestEdit{PeerID: peerID, Message: req.Message}, nil

	case types.MsgApproveEdit:
		var a types.ApproveEdit
		if err := env.Decode(&a); err != nil {
			return nil, err
		}
		if err := sameProject(projectID, a.ProjectID); err != nil {
			return nil, err
		}
		return room.ApproveEdit{PeerID: peerID, UserID: a.UserID, Role: a.Role}, nil
	}
	return nil, errors.New("unknown type " + string(env.Type))
}

func sameProject(joined, got string) error {
	if got != "" && got != joined {
		return errors.New("frame for another project")
	}
	return nil
}

func errorFrame(code, message string) types.Envelope {
	return types.MustEnvelope(types.MsgError, types.ErrorMessage{Code: code, Message: message})
}

func writeNow(ctx context.Context, conn *websocket.Conn, timeout time.Duration, env types.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
