package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/access"
	"github.com/DoyleJ11/diagram-collab/internal/auth"
	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/internal/metrics"
	"github.com/DoyleJ11/diagram-collab/internal/store"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

const maxBody = 4 << 20

var errShape = errors.New("body matches neither diagram shape")

func CreateProject(s store.Store, res *access.Resolver, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r, res)
		if !ok {
			return
		}
		var req types.CreateProjectRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			http.Error(w, "name required", http.StatusBadRequest)
			return
		}
		proj, err := s.CreateProject(r.Context(), strings.TrimSpace(req.Name), p.UserID)
		if err != nil {
			log.Error("create project", zap.Error(err))
			http.Error(w, "failed to create project", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, types.ProjectResponse{
			ID: proj.ID, Name: proj.Name, OwnerID: proj.OwnerID, ShareToken: proj.ShareToken,
		})
	}
}

func GetDiagram(s store.Store, res *access.Resolver, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		if _, ok := memberRole(w, r, s, res, log, projectID); !ok {
			return
		}
		snap, err := s.GetDiagram(r.Context(), projectID)
		if err != nil {
			storeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, shapeA(snap))
	}
}

// PutDiagram accepts either store shape and rejects anything else with 422.
func PutDiagram(s store.Store, res *access.Resolver, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		role, ok := memberRole(w, r, s, res, log, projectID)
		if !ok {
			return
		}
		if !diagram.CanEdit(role) {
			http.Error(w, "read-only", http.StatusForbidden)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		snap, err := decodeDiagram(body)
		if err == nil {
			err = snap.Validate()
		}
		if err != nil {
			metrics.DiagramSaves.WithLabelValues("rejected").Inc()
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		stored, err := s.PutDiagram(r.Context(), projectID, snap)
		if err != nil {
			storeError(w, log, err)
			return
		}
		if stored {
			metrics.DiagramSaves.WithLabelValues("stored").Inc()
		} else {
			metrics.DiagramSaves.WithLabelValues("outdated").Inc()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetPublicDiagram(s store.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		ok, err := s.ShareTokenValid(r.Context(), projectID, r.URL.Query().Get("share"))
		if err != nil {
			storeError(w, log, err)
			return
		}
		if !ok {
			http.Error(w, "invalid share token", http.StatusForbidden)
			return
		}
		snap, err := s.GetDiagram(r.Context(), projectID)
		if err != nil {
			storeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, shapeA(snap))
	}
}

func GetRole(s store.Store, res *access.Resolver, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role, ok := memberRole(w, r, s, res, log, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, types.RoleResponse{Role: role, Member: true})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func principal(w http.ResponseWriter, r *http.Request, res *access.Resolver) (auth.Principal, bool) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	p, err := res.Principal(strings.TrimSpace(token))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Principal{}, false
	}
	return p, true
}

func memberRole(w http.ResponseWriter, r *http.Request, s store.Store, res *access.Resolver, log *zap.Logger, projectID string) (types.Role, bool) {
	p, ok := principal(w, r, res)
	if !ok {
		return "", false
	}
	role, err := s.GetRole(r.Context(), projectID, p.UserID)
	switch {
	case errors.Is(err, store.ErrNotMember):
		http.Error(w, "not a member", http.StatusForbidden)
		return "", false
	case err != nil:
		storeError(w, log, err)
		return "", false
	}
	return role, true
}

func decodeDiagram(body []byte) (types.DiagramSnapshotV1, error) {
	var a struct {
		Snapshot  *types.DiagramContent `json:"snapshot"`
		UpdatedAt time.Time             `json:"updatedAt"`
	}
	if strictDecode(body, &a) == nil && a.Snapshot != nil {
		return types.NewSnapshot(a.Snapshot.Nodes, a.Snapshot.Edges, stampOrNow(a.UpdatedAt)), nil
	}
	var b struct {
		Nodes     *[]types.NodeRecord `json:"nodes"`
		Edges     []types.EdgeRecord  `json:"edges"`
		UpdatedAt time.Time           `json:"updatedAt"`
	}
	if strictDecode(body, &b) == nil && b.Nodes != nil {
		return types.NewSnapshot(*b.Nodes, b.Edges, stampOrNow(b.UpdatedAt)), nil
	}
	return types.DiagramSnapshotV1{}, errShape
}

func strictDecode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func stampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func shapeA(s types.DiagramSnapshotV1) types.StorePayloadA {
	s = types.NewSnapshot(s.Nodes, s.Edges, s.UpdatedAt)
	return types.StorePayloadA{Snapshot: types.DiagramContent{Nodes: s.Nodes, Edges: s.Edges}, UpdatedAt: s.UpdatedAt}
}

func storeError(w http.ResponseWriter, log *zap.Logger, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	log.Error("store", zap.Error(err))
	http.Error(w, "store unavailable", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
