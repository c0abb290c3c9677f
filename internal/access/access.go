// Package access decides who a joining peer is and what it may do.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/auth"
	"github.com/DoyleJ11/diagram-collab/internal/store"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var (
	ErrLoginRequired = errors.New("login required")
	ErrNoPermission  = errors.New("no permission")
)

type Grant struct {
	UserID    string
	Name      string
	Role      types.Role
	Anonymous bool
}

type Resolver struct {
	store  store.Store
	auth   *auth.Authenticator
	shares *ttlcache.Cache[string, bool]
	log    *zap.Logger
}

func NewResolver(s store.Store, a *auth.Authenticator, shareTTL time.Duration, log *zap.Logger) *Resolver {
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](shareTTL),
		ttlcache.WithCapacity[string, bool](10_000),
	)
	go cache.Start()
	return &Resolver{store: s, auth: a, shares: cache, log: log}
}

func (r *Resolver) Close() { r.shares.Stop() }

// Resolve maps a join's credentials to a role. A member's own role wins;
// a valid share link alone yields an anonymous VIEWER.
func (r *Resolver) Resolve(ctx context.Context, projectID, credential, shareToken string) (Grant, error) {
	if _, err := r.store.GetProject(ctx, projectID); err != nil {
		return Grant{}, err
	}

	if credential != "" {
		p, err := r.auth.Verify(credential)
		if err != nil {
			r.log.Debug("rejecting credential", zap.Error(err))
			return Grant{}, ErrLoginRequired
		}
		role, err := r.store.GetRole(ctx, projectID, p.UserID)
		switch {
		case err == nil:
			return Grant{UserID: p.UserID, Name: p.Name, Role: role}, nil
		case !errors.Is(err, store.ErrNotMember):
			return Grant{}, err
		}
		ok, err := r.shareValid(ctx, projectID, shareToken)
		if err != nil {
			return Grant{}, err
		}
		if !ok {
			return Grant{}, ErrNoPermission
		}
		return Grant{UserID: p.UserID, Name: p.Name, Role: types.RoleViewer}, nil
	}

	if shareToken == "" {
		return Grant{}, ErrLoginRequired
	}
	ok, err := r.shareValid(ctx, projectID, shareToken)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, ErrNoPermission
	}
	return Grant{Role: types.RoleViewer, Anonymous: true}, nil
}

// Principal verifies a bearer credential without a project in mind.
func (r *Resolver) Principal(credential string) (auth.Principal, error) {
	if credential == "" {
		return auth.Principal{}, ErrLoginRequired
	}
	p, err := r.auth.Verify(credential)
	if err != nil {
		return auth.Principal{}, ErrLoginRequired
	}
	return p, nil
}

func (r *Resolver) shareValid(ctx context.Context, projectID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	key := projectID + "\x00" + token
	if item := r.shares.Get(key); item != nil {
		return item.Value(), nil
	}
	ok, err := r.store.ShareTokenValid(ctx, projectID, token)
	if err != nil {
		return false, err
	}
	r.shares.Set(key, ok, ttlcache.DefaultTTL)
	return ok, nil
}

// Reason is the wire code for a resolution error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrLoginRequired):
		return types.ReasonLoginRequired
	case errors.Is(err, ErrNoPermission):
		return types.ReasonNoPermission
	case errors.Is(err, store.ErrNotFound):
		return types.ReasonNotFound
	}
	return ""
}
