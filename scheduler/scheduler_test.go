package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	conductor "github.com/sra/conductor"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "cron.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeRunner struct {
	output string
	err    error
	calls  []conductor.InboundMessage
}

func (r *fakeRunner) RunEphemeral(_ context.Context, msg conductor.InboundMessage, _ time.Duration) (string, error) {
	r.calls = append(r.calls, msg)
	return r.output, r.err
}

type fakeDeliverer struct {
	err       error
	platforms []string
	targets   []string
	texts     []string
}

func (d *fakeDeliverer) Broadcast(_ context.Context, platform, target string, resp conductor.OutboundResponse) error {
	if d.err != nil {
		return d.err
	}
	d.platforms = append(d.platforms, platform)
	d.targets = append(d.targets, target)
	d.texts = append(d.texts, resp.Text)
	return nil
}

func testScheduler(t *testing.T, runner Runner, deliver Deliverer) (*Scheduler, *Store) {
	t.Helper()
	store := testStore(t)
	return NewScheduler(store, runner, deliver), store
}

func enabledJob(id string) CronJob {
	return CronJob{
		ID: id, Prompt: "Say hi", IntervalSecs: 60,
		DeliveryTarget:   "discord:dm:111222333",
		ActiveHoursStart: -1, ActiveHoursEnd: -1,
		Enabled: true,
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _ := testScheduler(t, &fakeRunner{}, &fakeDeliverer{})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CronJob)
	}{
		{"empty id", func(j *CronJob) { j.ID = "" }},
		{"id with spaces", func(j *CronJob) { j.ID = "bad id" }},
		{"no schedule", func(j *CronJob) { j.IntervalSecs = 0 }},
		{"interval below minimum", func(j *CronJob) { j.IntervalSecs = 30 }},
		{"bad cron expr", func(j *CronJob) { j.CronExpr = "* * *" }},
		{"bad target", func(j *CronJob) { j.DeliveryTarget = "nocolonhere" }},
		{"non-numeric discord target", func(j *CronJob) { j.DeliveryTarget = "discord:abc" }},
		{"active hours out of range", func(j *CronJob) { j.ActiveHoursStart = 9; j.ActiveHoursEnd = 25 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := enabledJob("valid-id")
			tc.mutate(&j)
			if err := s.Register(ctx, j); err == nil {
				t.Error("Register accepted an invalid job")
			}
		})
	}
}

func TestRegisterNormalizesDiscordTarget(t *testing.T) {
	s, store := testScheduler(t, &fakeRunner{}, &fakeDeliverer{})
	ctx := context.Background()

	j := enabledJob("guild-job")
	j.DeliveryTarget = "discord:99887766:12345678"
	if err := s.Register(ctx, j); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok, err := store.Get(ctx, "guild-job")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.DeliveryTarget != "discord:12345678" {
		t.Errorf("persisted target = %q, want guild id stripped", got.DeliveryTarget)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	s, _ := testScheduler(t, &fakeRunner{}, &fakeDeliverer{})
	ctx := context.Background()

	if err := s.Register(ctx, enabledJob("dup")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := s.Register(ctx, enabledJob("dup")); err == nil {
		t.Error("second Register with the same id should fail")
	}
}

func TestExecuteDeliversToTarget(t *testing.T) {
	runner := &fakeRunner{output: "Hello from cron"}
	deliver := &fakeDeliverer{}
	s, store := testScheduler(t, runner, deliver)
	ctx := context.Background()

	if err := s.Register(ctx, enabledJob("morning")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.TriggerNow(ctx, "morning"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runner.calls))
	}
	if got := runner.calls[0].ConversationID; got != "cron:morning" {
		t.Errorf("ephemeral channel id = %q", got)
	}
	if runner.calls[0].Source != "cron" {
		t.Errorf("source = %q, want cron", runner.calls[0].Source)
	}

	if len(deliver.texts) != 1 || deliver.texts[0] != "Hello from cron" {
		t.Fatalf("delivered = %v", deliver.texts)
	}
	if deliver.platforms[0] != "discord" || deliver.targets[0] != "dm:111222333" {
		t.Errorf("delivered to %s:%s", deliver.platforms[0], deliver.targets[0])
	}

	job, _, _ := store.Get(ctx, "morning")
	if job.LastResult == "" || job.LastRunAt == 0 {
		t.Errorf("execution not logged: %+v", job)
	}
}

func TestExecuteEmptyOutputSkipsDelivery(t *testing.T) {
	runner := &fakeRunner{output: ""}
	deliver := &fakeDeliverer{}
	s, store := testScheduler(t, runner, deliver)
	ctx := context.Background()

	if err := s.Register(ctx, enabledJob("quiet")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.TriggerNow(ctx, "quiet"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if len(deliver.texts) != 0 {
		t.Errorf("delivered %v, want nothing for empty output", deliver.texts)
	}
	job, _, _ := store.Get(ctx, "quiet")
	if job.ConsecutiveFailures != 0 {
		t.Errorf("empty output counted as failure: %d", job.ConsecutiveFailures)
	}
}

func TestCircuitBreakerDisablesAfterThreeFailures(t *testing.T) {
	runner := &fakeRunner{output: "report"}
	deliver := &fakeDeliverer{err: errors.New("target unreachable")}
	s, store := testScheduler(t, runner, deliver)
	ctx := context.Background()

	if err := s.Register(ctx, enabledJob("doomed")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, _, _ := store.Get(ctx, "doomed")
	for i := 0; i < MaxConsecutiveFailures; i++ {
		err := s.executeJob(ctx, job)
		if err == nil {
			t.Fatalf("execution %d should fail", i+1)
		}
		if i < MaxConsecutiveFailures-1 && errors.Is(err, errDisabledByBreaker) {
			t.Fatalf("breaker tripped early on failure %d", i+1)
		}
	}

	job, ok, err := store.Get(ctx, "doomed")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if job.Enabled {
		t.Error("job still enabled after three consecutive failures")
	}
	if job.ConsecutiveFailures < MaxConsecutiveFailures {
		t.Errorf("consecutive_failures = %d", job.ConsecutiveFailures)
	}
	if s.HasTimer("doomed") {
		t.Error("timer still active for a breaker-disabled job")
	}
}

func TestTriggerNowRefusesDisabledJob(t *testing.T) {
	s, store := testScheduler(t, &fakeRunner{output: "x"}, &fakeDeliverer{})
	ctx := context.Background()

	j := enabledJob("paused")
	j.Enabled = false
	if err := s.Register(ctx, j); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "paused"); !ok {
		t.Fatal("job not persisted")
	}

	err := s.TriggerNow(ctx, "paused")
	if !errors.Is(err, conductor.ErrDisabled) {
		t.Errorf("TriggerNow on disabled job: err = %v, want ErrDisabled", err)
	}
}

func TestTriggerNowUnknownJob(t *testing.T) {
	s, _ := testScheduler(t, &fakeRunner{}, &fakeDeliverer{})
	err := s.TriggerNow(context.Background(), "ghost")
	if !errors.Is(err, conductor.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetEnabledStartsAndAbortsTimer(t *testing.T) {
	s, _ := testScheduler(t, &fakeRunner{output: "x"}, &fakeDeliverer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Register(ctx, enabledJob("toggled")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !s.HasTimer("toggled") {
		t.Fatal("no timer after registering an enabled job")
	}

	if err := s.SetEnabled(ctx, "toggled", false); err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}
	if s.HasTimer("toggled") {
		t.Error("timer survived SetEnabled(false); disabling must abort promptly")
	}

	if err := s.SetEnabled(ctx, "toggled", true); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	if !s.HasTimer("toggled") {
		t.Error("no timer after re-enabling")
	}
	s.Shutdown()
}

func TestUnregisterRemovesJobAndTimer(t *testing.T) {
	s, store := testScheduler(t, &fakeRunner{}, &fakeDeliverer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Register(ctx, enabledJob("gone")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Unregister(ctx, "gone"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if s.HasTimer("gone") {
		t.Error("timer survived Unregister")
	}
	if _, ok, _ := store.Get(ctx, "gone"); ok {
		t.Error("row survived Unregister")
	}
}

func TestNextIntervalFireAlignsToUTCBoundary(t *testing.T) {
	// 1800s evenly divides a day: the first fire lands on the next :00 or
	// :30 UTC boundary regardless of when the timer starts.
	now := time.Date(2025, 3, 10, 14, 7, 13, 0, time.UTC)
	got := nextIntervalFire(1800, now)
	want := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("nextIntervalFire(1800) = %v, want %v", got, want)
	}

	// Exactly on a boundary: the next fire is the following boundary, not now.
	now = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	got = nextIntervalFire(1800, now)
	want = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("nextIntervalFire(1800) on boundary = %v, want %v", got, want)
	}

	// An interval that does not divide a day fires interval seconds from now.
	now = time.Date(2025, 3, 10, 14, 7, 13, 0, time.UTC)
	got = nextIntervalFire(7000, now)
	want = now.Add(7000 * time.Second)
	if !got.Equal(want) {
		t.Errorf("nextIntervalFire(7000) = %v, want %v", got, want)
	}
}

func TestWithinActiveHours(t *testing.T) {
	job := CronJob{ActiveHoursStart: 9, ActiveHoursEnd: 17, TimeZone: "UTC"}

	at := func(hour int) time.Time {
		return time.Date(2025, 3, 10, hour, 30, 0, 0, time.UTC)
	}

	if !withinActiveHours(job, at(9)) {
		t.Error("start of window should be active")
	}
	if withinActiveHours(job, at(17)) {
		t.Error("end of window is exclusive")
	}
	if withinActiveHours(job, at(3)) {
		t.Error("3:30 is outside 9-17")
	}

	// Midnight wrap: [22, 6) is active at 23:30 and 2:30, idle at noon.
	night := CronJob{ActiveHoursStart: 22, ActiveHoursEnd: 6, TimeZone: "UTC"}
	if !withinActiveHours(night, at(23)) {
		t.Error("23:30 should be inside the wrapped window")
	}
	if !withinActiveHours(night, at(2)) {
		t.Error("2:30 should be inside the wrapped window")
	}
	if withinActiveHours(night, at(12)) {
		t.Error("noon should be outside the wrapped window")
	}

	unrestricted := CronJob{ActiveHoursStart: -1, ActiveHoursEnd: -1}
	if !withinActiveHours(unrestricted, at(4)) {
		t.Error("jobs without active hours are always in window")
	}
}

func TestNextFireUsesCronExpr(t *testing.T) {
	job := CronJob{ID: "daily", CronExpr: "0 9 * * *"}
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	got, err := nextFire(job, now)
	if err != nil {
		t.Fatalf("nextFire: %v", err)
	}
	if got.Hour() != 9 || got.Minute() != 0 {
		t.Errorf("next fire = %v, want 09:00", got)
	}
	if !got.After(now) {
		t.Errorf("next fire %v not after now %v", got, now)
	}
}
