package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/messaging"
)

// Runner executes a job's prompt through an ephemeral channel runtime and
// returns whatever text the turn produced. Implemented by channel.Manager.
type Runner interface {
	RunEphemeral(ctx context.Context, msg conductor.InboundMessage, timeout time.Duration) (string, error)
}

// Deliverer broadcasts a response to a platform target. Implemented by
// messaging.Manager.
type Deliverer interface {
	Broadcast(ctx context.Context, platform, target string, resp conductor.OutboundResponse) error
}

// Scheduler owns the cron job table and one timer goroutine per enabled
// job. Each timer sleeps until its job's next fire time, reloads the job
// from the store, executes it through an ephemeral channel, and delivers
// the collected text to the job's delivery target.
//
// Jobs degrade independently: a broken delivery target or a failing prompt
// only affects that job's consecutive-failure count, never the scheduler or
// its other timers. A job that fails MaxConsecutiveFailures times in a row
// is persisted disabled and its timer exits.
type Scheduler struct {
	store   *Store
	runner  Runner
	deliver Deliverer
	logger  *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context // set by Start; timers inherit it
	timers map[string]*timerHandle
}

type timerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSchedulerLogger sets a structured logger. If not set, no logs are emitted.
func WithSchedulerLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler over store, executing jobs via runner
// and delivering results via deliver. Call Start before registering jobs
// that should begin ticking.
func NewScheduler(store *Store, runner Runner, deliver Deliverer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		runner:  runner,
		deliver: deliver,
		logger:  nopLogger,
		timers:  make(map[string]*timerHandle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start records ctx as the lifetime bound for every timer and starts a
// timer for each enabled job already in the store. Jobs registered after
// Start get their timers immediately on registration.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	jobs, err := s.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled jobs: %w", err)
	}
	for _, j := range jobs {
		s.startTimer(j.ID)
	}
	s.logger.Info("scheduler: started", "jobs", len(jobs))
	return nil
}

// Shutdown aborts every timer and waits for their goroutines to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	handles := make([]*timerHandle, 0, len(s.timers))
	for id, h := range s.timers {
		handles = append(handles, h)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
	s.logger.Info("scheduler: stopped")
}

// Register validates j, persists it, and — if enabled — starts its timer.
// The delivery target is normalized before persisting (e.g. a Discord
// "{guild_id}:{channel_id}" collapses to the bare channel id).
func (s *Scheduler) Register(ctx context.Context, j CronJob) error {
	if !ValidJobID(j.ID) {
		return fmt.Errorf("scheduler: invalid job id %q (want 1-50 chars of [A-Za-z0-9_-])", j.ID)
	}
	if j.CronExpr == "" && j.IntervalSecs == 0 {
		return fmt.Errorf("scheduler: job %s: one of cron_expr or interval_secs is required", j.ID)
	}
	if j.CronExpr != "" {
		if _, err := nextFire(j, time.Now()); err != nil {
			return err
		}
	} else if j.IntervalSecs < 60 {
		return fmt.Errorf("scheduler: job %s: interval_secs %d is below the 60s minimum", j.ID, j.IntervalSecs)
	}
	if j.HasActiveHours() {
		if j.ActiveHoursStart > 23 || j.ActiveHoursEnd > 23 {
			return fmt.Errorf("scheduler: job %s: active hours must be within 0-23", j.ID)
		}
	}

	target, err := messaging.ParseTarget(j.DeliveryTarget)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", j.ID, err)
	}
	j.DeliveryTarget = target.Platform + ":" + target.Dest

	if _, exists, err := s.store.Get(ctx, j.ID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("scheduler: job id %q already registered", j.ID)
	}

	if j.CreatedAt == 0 {
		j.CreatedAt = time.Now().Unix()
	}
	if err := s.store.Create(ctx, j); err != nil {
		return fmt.Errorf("scheduler: persist job %s: %w", j.ID, err)
	}
	s.logger.Info("scheduler: job registered", "id", j.ID, "enabled", j.Enabled)

	if j.Enabled {
		s.startTimer(j.ID)
	}
	return nil
}

// Unregister aborts the job's timer and removes its row.
func (s *Scheduler) Unregister(ctx context.Context, id string) error {
	s.abortTimer(id)
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("scheduler: delete job %s: %w", id, err)
	}
	s.logger.Info("scheduler: job unregistered", "id", id)
	return nil
}

// SetEnabled flips a job's enabled flag. Enabling starts the timer (whether
// the job was disabled live or has been disabled since before this process
// started — the store is the single job table, so both cases are one reload
// away). Disabling aborts the timer promptly rather than letting it sleep
// out a full interval before noticing.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	j, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduler: %w: job %q", conductor.ErrNotFound, id)
	}

	if err := s.store.SetEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("scheduler: set enabled %s: %w", id, err)
	}

	if enabled {
		if !j.Enabled {
			// Re-enabling clears the failure streak so the circuit breaker
			// starts fresh instead of tripping on the first new failure.
			if err := s.store.RecordSuccess(ctx, id); err != nil {
				return err
			}
		}
		s.startTimer(id)
	} else {
		s.abortTimer(id)
	}
	s.logger.Info("scheduler: job toggled", "id", id, "enabled", enabled)
	return nil
}

// TriggerNow runs the job once immediately, outside its schedule. Disabled
// jobs are refused.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) error {
	j, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduler: %w: job %q", conductor.ErrNotFound, id)
	}
	if !j.Enabled {
		return fmt.Errorf("scheduler: %w: job %q", conductor.ErrDisabled, id)
	}
	return s.executeJob(ctx, j)
}

// Job returns the persisted job by id.
func (s *Scheduler) Job(ctx context.Context, id string) (CronJob, bool, error) {
	return s.store.Get(ctx, id)
}

// Jobs returns every persisted job.
func (s *Scheduler) Jobs(ctx context.Context) ([]CronJob, error) {
	return s.store.List(ctx)
}

// HasTimer reports whether an active timer exists for id.
func (s *Scheduler) HasTimer(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.timers[id]
	return ok
}

// startTimer launches the timer goroutine for id, aborting any existing one
// first: letting the old goroutine keep running would double-fire the job,
// and merely forgetting its handle only detaches it.
func (s *Scheduler) startTimer(id string) {
	s.mu.Lock()
	if s.ctx == nil {
		// Not started yet; Start will pick the job up from the store.
		s.mu.Unlock()
		return
	}
	if old, ok := s.timers[id]; ok {
		delete(s.timers, id)
		s.mu.Unlock()
		old.cancel()
		<-old.done
		s.mu.Lock()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h := &timerHandle{cancel: cancel, done: make(chan struct{})}
	s.timers[id] = h
	s.mu.Unlock()

	go s.timerLoop(ctx, id, h)
}

// abortTimer cancels and forgets the timer for id, if one is active.
func (s *Scheduler) abortTimer(id string) {
	s.mu.Lock()
	h, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}
}

// removeTimerHandle drops h from the table if it is still the registered
// timer for id. Called by a timer exiting on its own (disabled job, circuit
// breaker, run_once) so the table doesn't accumulate dead entries.
func (s *Scheduler) removeTimerHandle(id string, h *timerHandle) {
	s.mu.Lock()
	if cur, ok := s.timers[id]; ok && cur == h {
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) timerLoop(ctx context.Context, id string, h *timerHandle) {
	defer close(h.done)
	defer s.removeTimerHandle(id, h)

	for {
		job, ok, err := s.store.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("scheduler: load job failed", "id", id, "error", err)
			return
		}
		if !ok || !job.Enabled {
			return
		}

		fireAt, err := nextFire(job, time.Now())
		if err != nil {
			s.logger.Error("scheduler: compute next fire failed", "id", id, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(fireAt)):
		}

		// Reload: the job may have been disabled, rescheduled, or removed
		// while the timer slept.
		job, ok, err = s.store.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("scheduler: reload job failed", "id", id, "error", err)
			return
		}
		if !ok || !job.Enabled {
			return
		}

		if !withinActiveHours(job, time.Now()) {
			s.logger.Debug("scheduler: outside active hours, skipping", "id", id)
			continue
		}

		execErr := s.executeJob(ctx, job)

		if job.RunOnce {
			if err := s.store.SetEnabled(ctx, id, false); err != nil {
				s.logger.Error("scheduler: disable run_once job failed", "id", id, "error", err)
			}
			return
		}
		if execErr != nil && errors.Is(execErr, errDisabledByBreaker) {
			return
		}
		// The next iteration recomputes the fire time from now, so a tick
		// that overran its slot is skipped, never coalesced into catch-up fires.
	}
}

// errDisabledByBreaker marks an execution failure that tripped the circuit
// breaker; the timer loop exits instead of scheduling another tick.
var errDisabledByBreaker = errors.New("scheduler: disabled after repeated failures")

// executeJob runs one execution attempt end to end: synthesize the
// "cron:{job_id}" channel, post the prompt, collect the turn's text under
// the job's timeout, and broadcast any non-empty result to the delivery
// target. Success resets the failure streak; failure increments it and may
// trip the circuit breaker.
func (s *Scheduler) executeJob(ctx context.Context, job CronJob) error {
	start := time.Now()
	msg := conductor.InboundMessage{
		ID:             conductor.NewID(),
		Source:         "cron",
		ConversationID: conductor.ChannelId("cron:" + job.ID),
		SenderID:       "cron",
		Content:        conductor.MessageContent{Text: job.Prompt},
		Timestamp:      conductor.NowUnix(),
	}

	timeout := time.Duration(job.EffectiveTimeout()) * time.Second
	text, runErr := s.runner.RunEphemeral(ctx, msg, timeout)
	if runErr != nil && text == "" {
		s.logger.Error("scheduler: execution produced no output", "id", job.ID, "error", runErr)
		return s.fail(ctx, job, runErr)
	}

	if text == "" {
		// A clean run with nothing to say: skip delivery, count it a success.
		s.logger.Debug("scheduler: empty result, delivery skipped", "id", job.ID)
		return s.succeed(ctx, job, "no output", start)
	}

	target, err := messaging.ParseTarget(job.DeliveryTarget)
	if err != nil {
		return s.fail(ctx, job, err)
	}
	if err := s.deliver.Broadcast(ctx, target.Platform, target.Dest, conductor.TextResponse(text)); err != nil {
		s.logger.Error("scheduler: delivery failed", "id", job.ID, "target", job.DeliveryTarget, "error", err)
		return s.fail(ctx, job, err)
	}

	return s.succeed(ctx, job, summarize(text), start)
}

func (s *Scheduler) succeed(ctx context.Context, job CronJob, detail string, start time.Time) error {
	if err := s.store.RecordSuccess(ctx, job.ID); err != nil {
		s.logger.Error("scheduler: record success failed", "id", job.ID, "error", err)
	}
	if err := s.store.LogExecution(ctx, job.ID, true, detail); err != nil {
		s.logger.Error("scheduler: log execution failed", "id", job.ID, "error", err)
	}
	s.logger.Info("scheduler: job executed", "id", job.ID, "duration", time.Since(start))
	return nil
}

func (s *Scheduler) fail(ctx context.Context, job CronJob, cause error) error {
	if err := s.store.LogExecution(ctx, job.ID, false, cause.Error()); err != nil {
		s.logger.Error("scheduler: log execution failed", "id", job.ID, "error", err)
	}
	disabled, err := s.store.RecordFailure(ctx, job.ID)
	if err != nil {
		s.logger.Error("scheduler: record failure failed", "id", job.ID, "error", err)
		return cause
	}
	if disabled {
		s.logger.Warn("scheduler: job disabled after repeated failures", "id", job.ID, "failures", MaxConsecutiveFailures)
		return fmt.Errorf("%w: %w", errDisabledByBreaker, cause)
	}
	return cause
}

// summarize trims text to a short single-line execution summary.
func summarize(text string) string {
	const max = 120
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			text = text[:i]
			break
		}
	}
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}
