// ABOUTME: Read-only user directory backed by the store's users table
// ABOUTME: Resolves single and batched lookups, reporting every unknown id

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/parley/internal/store"
)

// ErrUpstreamUnavailable is returned when the identity provider cannot be reached.
// Lookups keep serving the locally cached directory.
var ErrUpstreamUnavailable = errors.New("identity provider unavailable")

// MissingUsersError names every id that has no directory entry.
// It unwraps to store.ErrNotFound.
type MissingUsersError struct {
	IDs []string
}

func (e *MissingUsersError) Error() string {
	return fmt.Sprintf("unknown users: %s", strings.Join(e.IDs, ", "))
}

func (e *MissingUsersError) Unwrap() error {
	return store.ErrNotFound
}

// Directory is the read side of the user cache.
type Directory struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a directory over the given store. Pass nil logger for default.
func New(st store.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  st,
		logger: logger.With("component", "directory"),
	}
}

// GetUser returns the user with the given id.
func (d *Directory) GetUser(ctx context.Context, id string) (*store.User, error) {
	user, err := d.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &MissingUsersError{IDs: []string{id}}
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", id, err)
	}
	return user, nil
}

// GetUsers returns the users for ids in the given order. If any id is unknown
// it fails with a *MissingUsersError listing all of them.
func (d *Directory) GetUsers(ctx context.Context, ids []string) ([]*store.User, error) {
	users := make([]*store.User, 0, len(ids))
	var missing []string
	for _, id := range ids {
		user, err := d.store.GetUser(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("looking up user %s: %w", id, err)
		}
		users = append(users, user)
	}
	if len(missing) > 0 {
		return nil, &MissingUsersError{IDs: missing}
	}
	return users, nil
}

// ListUsers returns the full directory sorted by first name.
func (d *Directory) ListUsers(ctx context.Context) ([]*store.User, error) {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// Seed upserts locally configured accounts. Seeded users are marked System
// and survive directory sync.
func (d *Directory) Seed(ctx context.Context, users []*store.User) error {
	now := time.Now().UTC()
	for _, u := range users {
		if strings.TrimSpace(u.ID) == "" {
			return errors.New("seed user has empty id")
		}
		seeded := *u
		seeded.System = true
		seeded.SyncedAt = now
		if err := d.store.UpsertUser(ctx, &seeded); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.ID, err)
		}
	}
	if len(users) > 0 {
		d.logger.Info("seeded directory", "users", len(users))
	}
	return nil
}
