// ABOUTME: Periodic identity provider pull that refreshes the local user cache
// ABOUTME: Upserts reported users and detaches users the provider no longer knows

package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley/internal/store"
)

// RemoteUser is a user as reported by an identity provider.
type RemoteUser struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Enabled   bool
	Group     string
}

// Provider lists the users known to an identity provider.
type Provider interface {
	Name() string
	FetchUsers(ctx context.Context) ([]RemoteUser, error)
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Upserted int
	Removed  int
}

// SyncStatus reports the outcome of the most recent pass.
type SyncStatus struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   string
}

// Syncer mirrors a Provider into the directory.
type Syncer struct {
	store    store.Store
	provider Provider
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	status SyncStatus
}

// NewSyncer creates a syncer. Pass nil logger for default.
func NewSyncer(st store.Store, provider Provider, interval time.Duration, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:    st,
		provider: provider,
		interval: interval,
		logger:   logger.With("component", "directory-sync", "provider", provider.Name()),
	}
}

// SyncOnce performs a single pass. Provider failures wrap ErrUpstreamUnavailable
// and leave the cached directory untouched.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	started := time.Now().UTC()

	remote, err := s.provider.FetchUsers(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		s.record(started, err)
		return result, err
	}

	seen := make(map[string]struct{}, len(remote))
	for _, ru := range remote {
		if ru.ID == "" {
			continue
		}
		seen[ru.ID] = struct{}{}
		err := s.store.UpsertUser(ctx, &store.User{
			ID:        ru.ID,
			FirstName: ru.FirstName,
			LastName:  ru.LastName,
			Email:     ru.Email,
			Enabled:   ru.Enabled,
			Group:     ru.Group,
			SyncedAt:  started,
		})
		if err != nil {
			err = fmt.Errorf("upserting user %s: %w", ru.ID, err)
			s.record(started, err)
			return result, err
		}
		result.Upserted++
	}

	local, err := s.store.ListUsers(ctx)
	if err != nil {
		err = fmt.Errorf("listing local users: %w", err)
		s.record(started, err)
		return result, err
	}

	// An empty provider answer is treated as a misconfiguration, not a mass removal
	if len(seen) == 0 {
		s.logger.Warn("provider returned no users, skipping removals")
		s.record(started, nil)
		return result, nil
	}

	for _, u := range local {
		if u.System {
			continue
		}
		if _, ok := seen[u.ID]; ok {
			continue
		}
		if err := s.store.DeleteUser(ctx, u.ID); err != nil && !store.IsNotFound(err) {
			err = fmt.Errorf("removing user %s: %w", u.ID, err)
			s.record(started, err)
			return result, err
		}
		s.logger.Info("removed user missing from provider", "user_id", u.ID)
		result.Removed++
	}

	s.record(started, nil)
	s.logger.Debug("directory synced", "upserted", result.Upserted, "removed", result.Removed)
	return result, nil
}

// Run syncs immediately and then on every interval until ctx is done.
// Failed passes are logged; the next tick retries.
func (s *Syncer) Run(ctx context.Context) error {
	s.syncAndLog(ctx)
	if s.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.syncAndLog(ctx)
		}
	}
}

// Status returns the outcome of the most recent pass.
func (s *Syncer) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Syncer) syncAndLog(ctx context.Context) {
	result, err := s.SyncOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("directory sync failed", "error", err)
		return
	}
	s.logger.Info("directory sync complete", "upserted", result.Upserted, "removed", result.Removed)
}

func (s *Syncer) record(attempt time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastAttempt = attempt
	if err != nil {
		s.status.LastError = err.Error()
		return
	}
	s.status.LastSuccess = attempt
	s.status.LastError = ""
}
