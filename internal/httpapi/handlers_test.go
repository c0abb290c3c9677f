package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DoyleJ11/diagram-collab/internal/access"
	"github.com/DoyleJ11/diagram-collab/internal/auth"
	"github.com/DoyleJ11/diagram-collab/internal/hub"
	"github.com/DoyleJ11/diagram-collab/internal/relay"
	"github.com/DoyleJ11/diagram-collab/internal/store"
	"github.com/DoyleJ11/diagram-collab/internal/ws"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	auth  *auth.Authenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemory()
	a := auth.New("secret", "test")
	res := access.NewResolver(st, a, time.Minute, zap.NewNop())
	h := hub.NewHub(ctx, st, relay.Local{}, zap.NewNop())
	srv := httptest.NewServer(SetupRoutes(Deps{Hub: h, Store: st, Resolver: res, WS: ws.DefaultOptions(), Log: zap.NewNop()}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		res.Close()
	})
	return &fixture{srv: srv, store: st, auth: a}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.auth.Issue(userID, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) project(t *testing.T, owner string) types.ProjectResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/projects", f.token(t, owner), `{"name":"Board"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p types.ProjectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestCreateProject(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/projects", "", `{"name":"Board"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/projects", f.token(t, "olive"), `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	p := f.project(t, "olive")
	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.ShareToken)
	assert.Equal(t, "olive", p.OwnerID)

	role, err := f.store.GetRole(context.Background(), p.ID, "olive")
	require.NoError(t, err)
	assert.Equal(t, types.RoleOwner, role)
}

func TestPutDiagram_AcceptsBothShapes(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "olive")
	tok := f.token(t, "olive")
	path := "/projects/" + p.ID + "/diagram"

	resp := f.do(t, http.MethodPut, path, tok,
		`{"snapshot":{"nodes":[{"id":"a","x":1,"y":2}],"edges":[]},"updatedAt":"2026-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPut, path, tok,
		`{"nodes":[{"id":"a"},{"id":"b"}],"edges":[{"id":"e","source":"a","target":"b"}],"updatedAt":"2026-01-02T00:00:00Z"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, path, tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got types.StorePayloadA
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Len(t, got.Snapshot.Nodes, 2)
	assert.Len(t, got.Snapshot.Edges, 1)

	// older than what is stored: accepted but not written
	resp = f.do(t, http.MethodPut, path, tok, `{"nodes":[],"edges":[],"updatedAt":"2025-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	snap, err := f.store.GetDiagram(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
}

func TestPutDiagram_Rejects(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "olive")
	path := "/projects/" + p.ID + "/diagram"
	_, err := f.store.GrantRole(context.Background(), p.ID, "vic", types.RoleViewer)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"no credential", "", `{"nodes":[],"edges":[]}`, http.StatusUnauthorized},
		{"viewer", f.token(t, "vic"), `{"nodes":[],"edges":[]}`, http.StatusForbidden},
		{"stranger", f.token(t, "sam"), `{"nodes":[],"edges":[]}`, http.StatusForbidden},
		{"unknown shape", f.token(t, "olive"), `{"diagram":{"nodes":[]}}`, http.StatusUnprocessableEntity},
		{"mixed shape", f.token(t, "olive"), `{"snapshot":{"nodes":[]},"nodes":[]}`, http.StatusUnprocessableEntity},
		{"dangling edge", f.token(t, "olive"), `{"nodes":[{"id":"a"}],"edges":[{"id":"e","source":"a","target":"zz"}]}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPut, path, tc.token, tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	resp := f.do(t, http.MethodPut, "/projects/nope/diagram", f.token(t, "olive"), `{"nodes":[],"edges":[]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetPublicDiagram(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "olive")
	_, err := f.store.PutDiagram(context.Background(), p.ID,
		types.NewSnapshot([]types.NodeRecord{{ID: "a"}}, nil, time.Now()))
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/public/projects/"+p.ID+"/diagram?share="+p.ShareToken, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got types.StorePayloadA
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Len(t, got.Snapshot.Nodes, 1)

	resp = f.do(t, http.MethodGet, "/public/projects/"+p.ID+"/diagram?share=wrong", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/public/projects/missing/diagram?share=x", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRole(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "olive")
	path := "/projects/" + p.ID + "/role"

	resp := f.do(t, http.MethodGet, path, f.token(t, "olive"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got types.RoleResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, types.RoleResponse{Role: types.RoleOwner, Member: true}, got)

	resp = f.do(t, http.MethodGet, path, f.token(t, "sam"), "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, path, "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", "").StatusCode)
}

func TestAccessLogCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	st := store.NewMemory()
	res := access.NewResolver(st, auth.New("secret", "test"), time.Minute, zap.NewNop())
	defer res.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.NewHub(ctx, st, relay.Local{}, zap.NewNop())
	srv := httptest.NewServer(SetupRoutes(Deps{Hub: h, Store: st, Resolver: res, WS: ws.DefaultOptions(), Log: zap.New(core)}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/projects/missing/role", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	entries := logs.FilterMessage("http").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-123", fields["request_id"])
	assert.Equal(t, int64(http.StatusUnauthorized), fields["status"])
	assert.Equal(t, "/projects/missing/role", fields["path"])
}
