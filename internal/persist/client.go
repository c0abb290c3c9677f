package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// StatusError is a non-2xx response from the store.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// ShapeRejected is true for client errors that are about the payload rather
// than about who is asking.
func (e *StatusError) ShapeRejected() bool {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// StoreClient talks to the durable Project Store over HTTP.
type StoreClient struct {
	baseURL    string
	credential string
	http       *http.Client
	log        *zap.Logger
}

func NewStoreClient(baseURL, credential string, log *zap.Logger) *StoreClient {
	return &StoreClient{
		baseURL:    baseURL,
		credential: credential,
		http:       &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

func (c *StoreClient) WithHTTPClient(h *http.Client) *StoreClient {
	c.http = h
	return c
}

// SaveDiagram tries shape A first and falls back to shape B once, for this
// call only, when shape A is rejected as a client error.
func (c *StoreClient) SaveDiagram(ctx context.Context, projectID string, s types.DiagramSnapshotV1) error {
	path := "/projects/" + url.PathEscape(projectID) + "/diagram"
	a := types.StorePayloadA{Snapshot: types.DiagramContent{Nodes: s.Nodes, Edges: s.Edges}, UpdatedAt: s.UpdatedAt}
	err := c.do(ctx, http.MethodPut, path, a, nil)
	var se *StatusError
	if err == nil || !errors.As(err, &se) || !se.ShapeRejected() {
		return err
	}
	c.log.Debug("store rejected payload shape A, retrying with shape B", zap.String("project", projectID), zap.Int("status", se.Code))
	b := types.StorePayloadB{Nodes: s.Nodes, Edges: s.Edges, UpdatedAt: s.UpdatedAt}
	return c.do(ctx, http.MethodPut, path, b, nil)
}

func (c *StoreClient) LoadDiagram(ctx context.Context, projectID string) (types.DiagramSnapshotV1, error) {
	return c.load(ctx, "/projects/"+url.PathEscape(projectID)+"/diagram")
}

func (c *StoreClient) LoadPublicDiagram(ctx context.Context, projectID, shareToken string) (types.DiagramSnapshotV1, error) {
	return c.load(ctx, "/public/projects/"+url.PathEscape(projectID)+"/diagram?share="+url.QueryEscape(shareToken))
}

func (c *StoreClient) FetchRole(ctx context.Context, projectID string) (types.Role, error) {
	var out types.RoleResponse
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/role", nil, &out); err != nil {
		return "", err
	}
	return out.Role, nil
}

func (c *StoreClient) CreateProject(ctx context.Context, name string) (types.ProjectResponse, error) {
	var out types.ProjectResponse
	err := c.do(ctx, http.MethodPost, "/projects", types.CreateProjectRequest{Name: name}, &out)
	return out, err
}

// load accepts either store shape in the response.
func (c *StoreClient) load(ctx context.Context, path string) (types.DiagramSnapshotV1, error) {
	var raw struct {
		Snapshot  *types.DiagramContent `json:"snapshot"`
		Nodes     []types.NodeRecord    `json:"nodes"`
		Edges     []types.EdgeRecord    `json:"edges"`
		UpdatedAt time.Time             `json:"updatedAt"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return types.DiagramSnapshotV1{}, err
	}
	nodes, edges := raw.Nodes, raw.Edges
	if raw.Snapshot != nil {
		nodes, edges = raw.Snapshot.Nodes, raw.Snapshot.Edges
	}
	s := types.NewSnapshot(nodes, edges, raw.UpdatedAt)
	if err := s.Validate(); err != nil {
		return types.DiagramSnapshotV1{}, err
	}
	return s, nil
}

func (c *StoreClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
