// Package store is the durable Project Store: projects, their members and
// roles, and the last saved diagram per project.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var (
	ErrNotFound  = errors.New("project not found")
	ErrNotMember = errors.New("not a member")
	ErrConflict  = errors.New("conflict")
)

type Project struct {
	ID         string
	Name       string
	OwnerID    string
	ShareToken string
	CreatedAt  time.Time
}

type Store interface {
	// CreateProject makes ownerID the project's OWNER.
	CreateProject(ctx context.Context, name, ownerID string) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	// GetDiagram returns an empty snapshot for a project that was never saved.
	GetDiagram(ctx context.Context, projectID string) (types.DiagramSnapshotV1, error)
	// PutDiagram stores s unless the stored copy is newer. stored reports
	// whether s was written.
	PutDiagram(ctx context.Context, projectID string, s types.DiagramSnapshotV1) (stored bool, err error)
	GetRole(ctx context.Context, projectID, userID string) (types.Role, error)
	// GrantRole raises userID to role, never lowers, and returns the role held afterwards.
	GrantRole(ctx context.Context, projectID, userID string, role types.Role) (types.Role, error)
	ShareTokenValid(ctx context.Context, projectID, token string) (bool, error)
	Close() error
}

func newProjectID() string { return uuid.NewString() }

func newShareToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
