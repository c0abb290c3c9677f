package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/access"
	"github.com/DoyleJ11/diagram-collab/internal/auth"
	"github.com/DoyleJ11/diagram-collab/internal/doc"
	"github.com/DoyleJ11/diagram-collab/internal/hub"
	"github.com/DoyleJ11/diagram-collab/internal/relay"
	"github.com/DoyleJ11/diagram-collab/internal/room"
	"github.com/DoyleJ11/diagram-collab/internal/store"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

func frame(t *testing.T, typ types.MessageType, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(types.MustEnvelope(typ, payload))
	require.NoError(t, err)
	return b
}

func TestToRoomMsg(t *testing.T) {
	snap := types.NewSnapshot([]types.NodeRecord{{ID: "a"}}, nil, time.Now())

	msg, err := toRoomMsg("peer", "p1", frame(t, types.MsgDelta, types.Delta{ProjectID: "p1", Update: []byte("u")}))
	require.NoError(t, err)
	assert.Equal(t, room.Delta{PeerID: "peer", Update: []byte("u")}, msg)

	msg, err = toRoomMsg("peer", "p1", frame(t, types.MsgSnapshot, types.SnapshotBroadcast{ProjectID: "p1", Stamp: 9, Origin: "o", Snapshot: snap}))
	require.NoError(t, err)
	d := msg.(room.Delta)
	u, err := doc.DecodeUpdate(d.Update)
	require.NoError(t, err)
	assert.Equal(t, int64(9), u.Stamp)

	// only the sender's own presence entry is taken
	msg, err = toRoomMsg("peer", "p1", frame(t, types.MsgPresence, types.PresenceUpdate{States: map[string]types.PresenceState{
		"peer":  {DisplayName: "me"},
		"other": {DisplayName: "spoof"},
	}}))
	require.NoError(t, err)
	assert.Equal(t, room.Presence{PeerID: "peer", State: types.PresenceState{DisplayName: "me"}}, msg)

	msg, err = toRoomMsg("peer", "p1", frame(t, types.MsgPresence, types.PresenceUpdate{States: map[string]types.PresenceState{"other": {}}}))
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = toRoomMsg("peer", "p1", []byte(`{"type":"request_edit"}`))
	require.NoError(t, err)
	assert.Equal(t, room.RequestEdit{PeerID: "peer"}, msg)

	msg, err = toRoomMsg("peer", "p1", frame(t, types.MsgApproveEdit, types.ApproveEdit{UserID: "u", Role: types.RoleEditor}))
	require.NoError(t, err)
	assert.Equal(t, room.ApproveEdit{PeerID: "peer", UserID: "u", Role: types.RoleEditor}, msg)

	msg, err = toRoomMsg("peer", "p1", frame(t, types.MsgJoin, types.JoinRequest{ProjectID: "p1"}))
	require.NoError(t, err)
	assert.Nil(t, msg)

	for name, data := range map[string][]byte{
		"not json":      []byte("{"),
		"unknown type":  []byte(`{"type":"teleport"}`),
		"other project": frame(t, types.MsgDelta, types.Delta{ProjectID: "p2"}),
		"empty delta":   []byte(`{"type":"delta"}`),
	} {
		_, err := toRoomMsg("peer", "p1", data)
		assert.Error(t, err, name)
	}
}

type server struct {
	url     string
	auth    *auth.Authenticator
	project store.Project
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	st := store.NewMemory()
	a := auth.New("secret", "test")
	res := access.NewResolver(st, a, time.Minute, zap.NewNop())
	t.Cleanup(res.Close)
	h := hub.NewHub(ctx, st, relay.Local{}, zap.NewNop())
	p, err := st.CreateProject(ctx, "x", "owner")
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(h, res, DefaultOptions(), zap.NewNop()))
	t.Cleanup(srv.Close)
	return &server{url: "ws" + strings.TrimPrefix(srv.URL, "http"), auth: a, project: p}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) types.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	env, err := types.ParseEnvelope(data)
	require.NoError(t, err)
	return env
}

func write(t *testing.T, c *websocket.Conn, data []byte) {
	t.Helper()
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

func TestHandler_JoinRequiredFirst(t *testing.T) {
	s := newServer(t)
	c := dial(t, s.url)
	write(t, c, frame(t, types.MsgPresence, types.PresenceUpdate{}))

	env := readEnvelope(t, c)
	require.Equal(t, types.MsgError, env.Type)
	var e types.ErrorMessage
	require.NoError(t, env.Decode(&e))
	assert.Equal(t, types.ReasonBadMessage, e.Code)
}

func TestHandler_JoinDenied(t *testing.T) {
	s := newServer(t)
	for credential, want := range map[string]string{
		"":        types.ReasonLoginRequired,
		"garbage": types.ReasonLoginRequired,
	} {
		c := dial(t, s.url)
		write(t, c, frame(t, types.MsgJoin, types.JoinRequest{ProjectID: s.project.ID, Credential: credential}))
		var e types.ErrorMessage
		require.NoError(t, readEnvelope(t, c).Decode(&e))
		assert.Equal(t, want, e.Code)
	}

	c := dial(t, s.url)
	write(t, c, frame(t, types.MsgJoin, types.JoinRequest{ProjectID: "missing", ShareToken: "x"}))
	var e types.ErrorMessage
	require.NoError(t, readEnvelope(t, c).Decode(&e))
	assert.Equal(t, types.ReasonNotFound, e.Code)
}

func TestHandler_JoinAndEcho(t *testing.T) {
	s := newServer(t)
	tok, err := s.auth.Issue("owner", "Olive", time.Hour)
	require.NoError(t, err)

	c := dial(t, s.url)
	write(t, c, frame(t, types.MsgJoin, types.JoinRequest{ProjectID: s.project.ID, Credential: tok}))
	env := readEnvelope(t, c)
	require.Equal(t, types.MsgJoined, env.Type)
	var j types.Joined
	require.NoError(t, env.Decode(&j))
	assert.Equal(t, types.RoleOwner, j.Role)
	assert.NotEmpty(t, j.PeerID)
	assert.Nil(t, j.Snapshot)

	u := doc.Update{Stamp: 42, Origin: "me", Snapshot: types.NewSnapshot([]types.NodeRecord{{ID: "a"}}, nil, time.Now())}
	delta, err := u.Encode()
	require.NoError(t, err)
	write(t, c, frame(t, types.MsgDelta, types.Delta{ProjectID: s.project.ID, Update: delta}))
	env = readEnvelope(t, c)
	assert.Equal(t, types.MsgDelta, env.Type, "deltas are echoed to the sender")

	write(t, c, []byte("garbage"))
	env = readEnvelope(t, c)
	assert.Equal(t, types.MsgError, env.Type)
}
