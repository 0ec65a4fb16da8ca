// Package scheduler runs one independent timer per active JobSchedule
// (C7): each timer sleeps until its schedule is due, skips the tick under
// single-flight if a run is already in progress, and otherwise invokes the
// orchestrator and advances next_run monotonically regardless of how long
// the run took.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

// Scheduler implements interfaces.Scheduler.
type Scheduler struct {
	db           interfaces.DB
	orchestrator interfaces.Orchestrator
	logger       arbor.ILogger

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc // jobID -> timer cancel
	wg      sync.WaitGroup
}

func New(db interfaces.DB, orchestrator interfaces.Orchestrator, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		db:           db,
		orchestrator: orchestrator,
		logger:       logger,
		cancels:      make(map[int64]context.CancelFunc),
	}
}

// Start resumes any schedule left running from a previous process (the
// previous process cannot still be running), fills in any missing
// next_run, then spawns one timer per active schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.resumeStaleRunning(ctx); err != nil {
		return fmt.Errorf("resume stale running schedules: %w", err)
	}

	schedules, err := s.loadActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load active schedules: %w", err)
	}

	for _, sched := range schedules {
		s.spawnTimer(ctx, sched)
	}
	return nil
}

// Stop cancels every timer and waits for the timers and any resumed runs to
// return; a timer's context is the one passed to the orchestrator run, so
// cancelling it also cancels an in-flight run.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = make(map[int64]context.CancelFunc)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) TriggerNow(ctx context.Context, tenantID int64, jobName string) error {
	sched, err := s.loadSchedule(ctx, tenantID, jobName)
	if err != nil {
		return err
	}

	running, err := s.isRunning(ctx, sched.ID)
	if err != nil {
		return err
	}
	if running {
		s.logger.Info().Int64("job_id", sched.ID).Msg("trigger now skipped: job already running (single-flight)")
		return nil
	}

	go s.runOnce(context.Background(), sched)
	return nil
}

func (s *Scheduler) Cancel(ctx context.Context, tenantID int64, jobName string) error {
	sched, err := s.loadSchedule(ctx, tenantID, jobName)
	if err != nil {
		return err
	}
	_, err = s.db.RW().ExecContext(ctx, `UPDATE job_schedules SET cancel_flag = 1 WHERE id = ?`, sched.ID)
	return err
}

func (s *Scheduler) IsRunning(ctx context.Context, tenantID int64, jobName string) (bool, error) {
	sched, err := s.loadSchedule(ctx, tenantID, jobName)
	if err != nil {
		return false, err
	}
	return s.isRunning(ctx, sched.ID)
}

func (s *Scheduler) spawnTimer(parent context.Context, sched *models.JobSchedule) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.cancels[sched.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.timerLoop(ctx, sched)
}

func (s *Scheduler) timerLoop(ctx context.Context, sched *models.JobSchedule) {
	defer s.wg.Done()

	for {
		delay := s.delayUntilDue(sched)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		running, err := s.isRunning(ctx, sched.ID)
		if err != nil {
			s.logger.Error().Err(err).Int64("job_id", sched.ID).Msg("failed to check run state, skipping tick")
			s.rescheduleNext(ctx, sched)
			continue
		}
		if running {
			s.logger.Info().Int64("job_id", sched.ID).Msg("tick skipped: already running (single-flight)")
			s.rescheduleNext(ctx, sched)
			continue
		}

		s.runOnce(ctx, sched)

		fresh, err := s.reload(ctx, sched.ID)
		if err == nil {
			sched = fresh
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sched *models.JobSchedule) {
	started := time.Now()

	if err := s.orchestrator.Run(ctx, sched.TenantID, sched.ID); err != nil {
		s.logger.Error().Err(err).Int64("job_id", sched.ID).Msg("orchestrator run failed")
	}

	next := started.Add(time.Duration(sched.ScheduleIntervalMinutes) * time.Minute)
	if _, err := s.db.RW().ExecContext(ctx,
		`UPDATE job_schedules SET next_run = ? WHERE id = ?`, next, sched.ID); err != nil {
		s.logger.Error().Err(err).Int64("job_id", sched.ID).Msg("failed to advance next_run")
	}
}

func (s *Scheduler) rescheduleNext(ctx context.Context, sched *models.JobSchedule) {
	next := time.Now().Add(time.Duration(sched.ScheduleIntervalMinutes) * time.Minute)
	if _, err := s.db.RW().ExecContext(ctx,
		`UPDATE job_schedules SET next_run = ? WHERE id = ?`, next, sched.ID); err != nil {
		s.logger.Error().Err(err).Int64("job_id", sched.ID).Msg("failed to reschedule next_run after skip")
	}
	sched.NextRun = &next
}

func (s *Scheduler) delayUntilDue(sched *models.JobSchedule) time.Duration {
	if sched.NextRun == nil {
		return 0
	}
	delay := time.Until(*sched.NextRun)
	if delay < 0 {
		return 0
	}
	return delay
}

func (s *Scheduler) isRunning(ctx context.Context, jobID int64) (bool, error) {
	row := s.db.RO().QueryRowContext(ctx, `SELECT status FROM job_schedules WHERE id = ?`, jobID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return false, fmt.Errorf("read status: %w", err)
	}
	doc, err := models.UnmarshalStatus(raw)
	if err != nil {
		return false, err
	}
	return doc.Overall == models.OverallRunning, nil
}

// resumeStaleRunning finds every schedule left overall=running by a
// process that crashed mid-run (the previous process cannot still be
// running) and re-enters it through the orchestrator rather than simply
// resetting it to idle: seedRun resumes a running job from its last saved
// checkpoint cursor when one exists, so in-flight pagination progress
// survives a restart instead of being discarded.
func (s *Scheduler) resumeStaleRunning(ctx context.Context) error {
	rows, err := s.db.RO().QueryContext(ctx,
		`SELECT id, tenant_id, integration_id, job_name, schedule_interval_minutes, status FROM job_schedules WHERE active = 1`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var stale []*models.JobSchedule
	for rows.Next() {
		var sched models.JobSchedule
		var statusJSON string
		if err := rows.Scan(&sched.ID, &sched.TenantID, &sched.IntegrationID, &sched.JobName, &sched.ScheduleIntervalMinutes, &statusJSON); err != nil {
			return err
		}
		doc, err := models.UnmarshalStatus(statusJSON)
		if err != nil {
			continue
		}
		if doc.Overall == models.OverallRunning {
			stale = append(stale, &sched)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sched := range stale {
		s.logger.Warn().Int64("job_id", sched.ID).Msg("resuming job left running by a previous process")
		s.wg.Add(1)
		go func(sched *models.JobSchedule) {
			defer s.wg.Done()
			s.runOnce(ctx, sched)
		}(sched)
	}
	return nil
}

func (s *Scheduler) loadActiveSchedules(ctx context.Context) ([]*models.JobSchedule, error) {
	rows, err := s.db.RO().QueryContext(ctx,
		`SELECT id, tenant_id, integration_id, job_name, schedule_interval_minutes, next_run FROM job_schedules WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*models.JobSchedule
	for rows.Next() {
		var sched models.JobSchedule
		var nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.TenantID, &sched.IntegrationID, &sched.JobName,
			&sched.ScheduleIntervalMinutes, &nextRun); err != nil {
			return nil, err
		}
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRun = &t
		} else {
			now := time.Now()
			next := now.Add(time.Duration(sched.ScheduleIntervalMinutes) * time.Minute)
			sched.NextRun = &next
			if _, err := s.db.RW().ExecContext(ctx, `UPDATE job_schedules SET next_run = ? WHERE id = ?`, next, sched.ID); err != nil {
				return nil, err
			}
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

func (s *Scheduler) loadSchedule(ctx context.Context, tenantID int64, jobName string) (*models.JobSchedule, error) {
	row := s.db.RO().QueryRowContext(ctx,
		`SELECT id, tenant_id, integration_id, job_name, schedule_interval_minutes, next_run
		 FROM job_schedules WHERE tenant_id = ? AND job_name = ?`, tenantID, jobName)

	var sched models.JobSchedule
	var nextRun sql.NullTime
	if err := row.Scan(&sched.ID, &sched.TenantID, &sched.IntegrationID, &sched.JobName,
		&sched.ScheduleIntervalMinutes, &nextRun); err != nil {
		return nil, fmt.Errorf("load schedule %s/%d: %w", jobName, tenantID, err)
	}
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRun = &t
	}
	return &sched, nil
}

func (s *Scheduler) reload(ctx context.Context, jobID int64) (*models.JobSchedule, error) {
	row := s.db.RO().QueryRowContext(ctx,
		`SELECT id, tenant_id, integration_id, job_name, schedule_interval_minutes, next_run FROM job_schedules WHERE id = ?`, jobID)

	var sched models.JobSchedule
	var nextRun sql.NullTime
	if err := row.Scan(&sched.ID, &sched.TenantID, &sched.IntegrationID, &sched.JobName,
		&sched.ScheduleIntervalMinutes, &nextRun); err != nil {
		return nil, err
	}
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRun = &t
	}
	return &sched, nil
}
