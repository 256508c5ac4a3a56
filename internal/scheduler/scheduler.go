// Package scheduler polls enabled cron triggers on a fixed tick and fires
// the workflows whose schedule is due, using internal/cronparse's pure
// ShouldRun rather than a push-based scheduler library.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SoumadeepCh/FlowSync/internal/audit"
	"github.com/SoumadeepCh/FlowSync/internal/config"
	"github.com/SoumadeepCh/FlowSync/internal/cronparse"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/metrics"
	"github.com/SoumadeepCh/FlowSync/internal/orchestrator"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

// Scheduler fires due cron triggers.
type Scheduler struct {
	store *store.Store
	orch  *orchestrator.Orchestrator
	audit *audit.Logger
	cfg   config.Config
	inst  *metrics.Instruments
	log   *slog.Logger

	mu        sync.Mutex // guards against overlapping ticks
	lastFired map[string]string
}

// New builds a Scheduler wired to the given components.
func New(st *store.Store, orch *orchestrator.Orchestrator, cfg config.Config, inst *metrics.Instruments, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: st, orch: orch, audit: audit.New(st), cfg: cfg, inst: inst, log: log, lastFired: make(map[string]string)}
}

// Run ticks every cfg.SchedulerTick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerTick)
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

func minuteKey(t time.Time) string {
	return t.Format("2006-01-02T15:04")
}

// tick evaluates every enabled cron trigger once. A TryLock guard makes
// overlapping ticks a no-op rather than a pile-up: if the previous tick's
// workflow dispatch loop is still running (e.g. it briefly blocked on
// store I/O), this tick is simply skipped, and the next one a
// SchedulerTick later catches up.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()

	triggers, err := s.store.ListTriggers("")
	if err != nil {
		s.log.Error("scheduler: failed to list triggers", "error", err)
		return
	}

	now := time.Now()
	key := minuteKey(now)

	for _, trg := range triggers {
		if !trg.Enabled || trg.Type != dagmodel.TriggerCron {
			continue
		}
		exprStr, ok := trg.CronExpression()
		if !ok {
			continue
		}
		expr, err := cronparse.Parse(exprStr)
		if err != nil {
			s.log.Warn("scheduler: invalid cron expression", "trigger", trg.ID, "error", err)
			continue
		}
		if !cronparse.ShouldRun(expr, now) {
			continue
		}
		// Anti-double-fire: a trigger whose expression already fired
		// within this calendar minute is skipped even if the tick
		// interval is shorter than a minute.
		if s.lastFired[trg.ID] == key {
			continue
		}
		s.lastFired[trg.ID] = key

		s.fire(ctx, trg, expr)
	}
}

func (s *Scheduler) fire(ctx context.Context, trg dagmodel.Trigger, expr cronparse.Expression) {
	now := time.Now()
	trg.LastFiredAt = &now
	if next, ok := cronparse.NextRunTime(expr, now); ok {
		trg.NextRunAt = &next
	}
	if err := s.store.PutTrigger(trg); err != nil {
		s.log.Error("scheduler: failed to persist trigger fire", "trigger", trg.ID, "error", err)
	}

	if err := s.audit.Append(dagmodel.AuditLog{
		ID:         uuid.NewString(),
		Event:      "trigger.fired",
		EntityType: "trigger",
		EntityID:   trg.ID,
		Metadata:   map[string]interface{}{"workflowId": trg.WorkflowID},
		CreatedAt:  now,
	}); err != nil {
		s.log.Error("scheduler: failed to append trigger.fired audit log", "error", err)
	}

	if s.inst != nil && s.inst.TriggerFired != nil {
		s.inst.TriggerFired.Add(ctx, 1)
	}

	// Fire-and-forget: the scheduler's own tick must not block on an
	// execution that can run for up to OrchestratorTimeout.
	go func() {
		if _, err := s.orch.ExecuteWorkflow(context.Background(), trg.WorkflowID, nil, ""); err != nil {
			s.log.Error("scheduler: scheduled execution failed", "trigger", trg.ID, "workflow", trg.WorkflowID, "error", err)
		}
	}()
}
