// Package sched fires recurring runs from a persistent scheduled-task set.
// Schedules are either cron expressions ("cron:*/5 * * * *") or the
// shorthands "hourly" and "daily". A task fires when its next-run time has
// passed and every dependency's last firing succeeded.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/runs"
)

// DefaultTickInterval is the walk period over the scheduled-task set.
const DefaultTickInterval = 60 * time.Second

const tasksBucket = "scheduled_tasks"

// ScheduledTask is one recurring submission.
type ScheduledTask struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Request    runs.RunRequest `json:"request"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Enabled    bool            `json:"enabled"`
	LastRun    time.Time       `json:"last_run"`
	NextRun    time.Time       `json:"next_run"`
	LastStatus string          `json:"last_status,omitempty"` // success | error
	RunCount   int             `json:"run_count"`
}

// Submitter is the registry surface the scheduler needs: internal
// submission, never a network call.
type Submitter interface {
	Enqueue(ctx context.Context, req runs.RunRequest) (*runs.RunRecord, error)
	Wait(ctx context.Context, id string) (*runs.RunRecord, error)
}

// Scheduler owns the task set and the tick loop.
type Scheduler struct {
	db       *bbolt.DB
	submit   Submitter
	interval time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	tasks map[string]*ScheduledTask

	fires metric.Int64Counter
}

func Open(path string, submit Submitter, interval time.Duration, meter metric.Meter, log *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if meter == nil {
		meter = otel.Meter("runforge-sched")
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open schedule db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tasksBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schedule bucket: %w", err)
	}

	s := &Scheduler{
		db:       db,
		submit:   submit,
		interval: interval,
		log:      log,
		tasks:    make(map[string]*ScheduledTask),
	}
	fires, _ := meter.Int64Counter("runforge_schedule_fires_total")
	s.fires = fires

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Close() error { return s.db.Close() }

func (s *Scheduler) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).ForEach(func(_, v []byte) error {
			var t ScheduledTask
			if err := json.Unmarshal(v, &t); err != nil {
				s.log.Warn("skipping unreadable scheduled task", "error", err)
				return nil
			}
			s.tasks[t.ID] = &t
			return nil
		})
	})
}

func (s *Scheduler) persist(t *ScheduledTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).Put([]byte(t.ID), data)
	})
}

// nextAfter computes the following fire time for a schedule expression.
func nextAfter(schedule string, from time.Time) (time.Time, error) {
	switch {
	case schedule == "hourly":
		return from.Add(time.Hour), nil
	case schedule == "daily":
		return from.Add(24 * time.Hour), nil
	case strings.HasPrefix(schedule, "cron:"):
		spec, err := cron.ParseStandard(strings.TrimPrefix(schedule, "cron:"))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
		}
		return spec.Next(from), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule %q", schedule)
}

// Add validates the schedule, assigns an id if absent and stores the task.
// The first fire time is computed from now.
func (s *Scheduler) Add(t *ScheduledTask) error {
	next, err := nextAfter(t.Schedule, time.Now())
	if err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.NextRun = next

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return s.persist(t)
}

func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).Delete([]byte(id))
	})
}

func (s *Scheduler) Get(id string) (*ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (s *Scheduler) List() []*ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due task whose dependencies last succeeded.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*ScheduledTask
	for _, t := range s.tasks {
		if !t.Enabled || t.NextRun.After(now) {
			continue
		}
		if s.depsSatisfied(t) {
			// Advance next_run before firing so a slow run cannot
			// double-fire on the following tick.
			if next, err := nextAfter(t.Schedule, now); err == nil {
				t.NextRun = next
			}
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		go s.fire(ctx, t)
	}
}

// depsSatisfied reports whether every dependency's last firing succeeded.
// Caller holds s.mu.
func (s *Scheduler) depsSatisfied(t *ScheduledTask) bool {
	for _, dep := range t.DependsOn {
		d, ok := s.tasks[dep]
		if !ok || d.LastStatus != "success" {
			return false
		}
	}
	return true
}

// fire submits the task's request and waits for the run to finish so the
// dependency gate sees an accurate last status.
func (s *Scheduler) fire(ctx context.Context, t *ScheduledTask) {
	status := "success"
	rec, err := s.submit.Enqueue(ctx, t.Request)
	if err != nil {
		status = "error"
		s.log.Error("scheduled submission failed", "task", t.Name, "error", err)
	} else {
		final, werr := s.submit.Wait(ctx, rec.RunID)
		if werr != nil || final == nil || final.Status != runs.StatusCompleted {
			status = "error"
		}
	}
	s.fires.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))

	s.mu.Lock()
	t.LastRun = time.Now()
	t.LastStatus = status
	t.RunCount++
	if next, nerr := nextAfter(t.Schedule, t.LastRun); nerr == nil {
		t.NextRun = next
	}
	cp := *t
	s.mu.Unlock()

	if err := s.persist(&cp); err != nil {
		s.log.Error("persist scheduled task", "task", t.Name, "error", err)
	}
}

// ScheduleStats summarises the task set.
type ScheduleStats struct {
	TotalTasks int `json:"total_tasks"`
	Enabled    int `json:"enabled"`
	TotalFires int `json:"total_fires"`
	Errored    int `json:"errored"`
}

func (s *Scheduler) GetStats() ScheduleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st ScheduleStats
	for _, t := range s.tasks {
		st.TotalTasks++
		if t.Enabled {
			st.Enabled++
		}
		st.TotalFires += t.RunCount
		if t.LastStatus == "error" {
			st.Errored++
		}
	}
	return st
}
