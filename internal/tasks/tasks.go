// Package tasks runs the scheduled maintenance jobs of the manager
// daemon: disabling expired users and pruning old audit events.
package tasks

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"vless-manager/internal/manager"
	"vless-manager/internal/store"
)

const auditRetention = 90 * 24 * time.Hour

type Scheduler struct {
	mgr   *manager.Manager
	audit *store.Store
	cron  *cron.Cron
}

// New builds the scheduler. audit may be nil when the audit database is
// not configured.
func New(mgr *manager.Manager, audit *store.Store) *Scheduler {
	return &Scheduler{mgr: mgr, audit: audit, cron: cron.New()}
}

// Start registers the jobs and launches the cron loop. Expired users are
// swept shortly after midnight so the roster reflects the calendar date.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("5 0 * * *", func() {
		s.DisableExpired(context.Background())
	}); err != nil {
		return err
	}
	if s.audit != nil {
		if _, err := s.cron.AddFunc("30 3 * * *", func() {
			s.pruneAudit(context.Background())
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// DisableExpired disables every enabled user whose expiry has passed.
// Each user goes through the normal toggle path so persistence, config
// recompilation and event broadcast all apply.
func (s *Scheduler) DisableExpired(ctx context.Context) {
	now := time.Now()
	users, err := s.mgr.Users()
	if err != nil {
		if !errors.Is(err, manager.ErrNotInitialized) {
			log.Printf("tasks: list users: %v", err)
		}
		return
	}
	for _, u := range users {
		if !u.Enabled || !u.Expired(now) {
			continue
		}
		if _, err := s.mgr.SetUserEnabled(ctx, u.ID, false); err != nil {
			log.Printf("tasks: disable expired user %s: %v", u.ID, err)
			continue
		}
		log.Printf("tasks: disabled expired user %s (%s)", u.Name, u.ID)
	}
}

func (s *Scheduler) pruneAudit(ctx context.Context) {
	cutoff := time.Now().Add(-auditRetention).UnixMilli()
	if err := s.audit.PruneOlderThan(ctx, cutoff); err != nil {
		log.Printf("tasks: prune audit events: %v", err)
	}
}
