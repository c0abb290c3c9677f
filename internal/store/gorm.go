package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

type projectRow struct {
	ID         string    `gorm:"column:id;primaryKey;size:64"`
	Name       string    `gorm:"column:name;size:255;not null"`
	OwnerID    string    `gorm:"column:owner_id;size:190;not null;index"`
	ShareToken string    `gorm:"column:share_token;size:64;not null;uniqueIndex"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (projectRow) TableName() string { return "projects" }

type memberRow struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:64"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190"`
	Role      string    `gorm:"column:role;size:16;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (memberRow) TableName() string { return "project_members" }

type diagramRow struct {
	ProjectID string             `gorm:"column:project_id;primaryKey;size:64"`
	Nodes     []types.NodeRecord `gorm:"column:nodes;type:jsonb;serializer:json;not null"`
	Edges     []types.EdgeRecord `gorm:"column:edges;type:jsonb;serializer:json;not null"`
	UpdatedAt time.Time          `gorm:"column:updated_at;not null"`
}

func (diagramRow) TableName() string { return "project_diagrams" }

// Gorm is the Postgres-backed Store.
type Gorm struct {
	db  *gorm.DB
	log *zap.Logger
}

func OpenGorm(dsn string, log *zap.Logger) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(&projectRow{}, &memberRow{}, &diagramRow{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Gorm{db: db, log: log}, nil
}

func (g *Gorm) CreateProject(ctx context.Context, name, ownerID string) (Project, error) {
	row := projectRow{ID: newProjectID(), Name: name, OwnerID: ownerID, ShareToken: newShareToken()}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&memberRow{ProjectID: row.ID, UserID: ownerID, Role: string(types.RoleOwner)}).Error
	})
	if isUniqueViolation(err) {
		return Project{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err != nil {
		return Project{}, err
	}
	return row.project(), nil
}

func (g *Gorm) GetProject(ctx context.Context, id string) (Project, error) {
	var row projectRow
	err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	return row.project(), nil
}

func (g *Gorm) GetDiagram(ctx context.Context, projectID string) (types.DiagramSnapshotV1, error) {
	if _, err := g.GetProject(ctx, projectID); err != nil {
		return types.DiagramSnapshotV1{}, err
	}
	var row diagramRow
	err := g.db.WithContext(ctx).First(&row, "project_id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewSnapshot(nil, nil, time.Time{}), nil
	}
	if err != nil {
		return types.DiagramSnapshotV1{}, err
	}
	return types.NewSnapshot(row.Nodes, row.Edges, row.UpdatedAt), nil
}

// PutDiagram upserts, skipping the update when the stored row is newer.
func (g *Gorm) PutDiagram(ctx context.Context, projectID string, s types.DiagramSnapshotV1) (bool, error) {
	if _, err := g.GetProject(ctx, projectID); err != nil {
		return false, err
	}
	s = types.NewSnapshot(s.Nodes, s.Edges, s.UpdatedAt)
	row := diagramRow{ProjectID: projectID, Nodes: s.Nodes, Edges: s.Edges, UpdatedAt: s.UpdatedAt}
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nodes", "edges", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "project_diagrams.updated_at <= excluded.updated_at"},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *Gorm) GetRole(ctx context.Context, projectID, userID string) (types.Role, error) {
	var row memberRow
	err := g.db.WithContext(ctx).First(&row, "project_id = ? AND user_id = ?", projectID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, perr := g.GetProject(ctx, projectID); perr != nil {
			return "", perr
		}
		return "", ErrNotMember
	}
	if err != nil {
		return "", err
	}
	return types.Role(row.Role), nil
}

func (g *Gorm) GrantRole(ctx context.Context, projectID, userID string, role types.Role) (types.Role, error) {
	if _, err := g.GetProject(ctx, projectID); err != nil {
		return "", err
	}
	var out types.Role
	grant := func() error {
		return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row memberRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&row, "project_id = ? AND user_id = ?", projectID, userID).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				out = role
				return tx.Create(&memberRow{ProjectID: projectID, UserID: userID, Role: string(role)}).Error
			case err != nil:
				return err
			}
			out = diagram.MaxRole(types.Role(row.Role), role)
			if out == types.Role(row.Role) {
				return nil
			}
			return tx.Model(&row).Update("role", string(out)).Error
		})
	}
	err := grant()
	if isUniqueViolation(err) {
		// a concurrent grant inserted the member first; the retry takes the update path
		g.log.Debug("grant raced, retrying", zap.String("project", projectID), zap.String("user", userID))
		err = grant()
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

func (g *Gorm) ShareTokenValid(ctx context.Context, projectID, token string) (bool, error) {
	p, err := g.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(p.ShareToken), []byte(token)) == 1, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r projectRow) project() Project {
	return Project{ID: r.ID, Name: r.Name, OwnerID: r.OwnerID, ShareToken: r.ShareToken, CreatedAt: r.CreatedAt}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
