package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/testutil"
)

var (
	day1 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
	day3 = day1.AddDate(0, 0, 2)
	day4 = day1.AddDate(0, 0, 3)
	day5 = day1.AddDate(0, 0, 4)
)

type fixture struct {
	store  store.Store
	clock  *FixedClock
	sender *messaging.RecordingSender
	engine *Engine
	disp   *Dispatcher
	sched  *Scheduler
}

func newFixture(t *testing.T, st store.Store, opts ...SchedulerOption) *fixture {
	t.Helper()
	clock := NewFixedClock(day1)
	sender := messaging.NewRecordingSender()
	disp := NewDispatcher(st, sender, WithDispatcherClock(clock))
	opts = append([]SchedulerOption{WithSchedulerClock(clock)}, opts...)
	return &fixture{
		store:  st,
		clock:  clock,
		sender: sender,
		engine: NewEngine(st, WithEngineClock(clock)),
		disp:   disp,
		sched:  NewScheduler(st, disp, opts...),
	}
}

func (f *fixture) seed(t *testing.T, tmpl *models.SequenceTemplate, person *models.Person) *models.SequenceInstance {
	t.Helper()
	ctx := context.Background()
	if err := f.engine.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	if err := f.engine.CreatePerson(ctx, person); err != nil {
		t.Fatalf("CreatePerson failed: %v", err)
	}
	inst, err := f.engine.StartSequence(ctx, person.ID, tmpl.ID)
	if err != nil {
		t.Fatalf("StartSequence failed: %v", err)
	}
	return inst
}

func (f *fixture) tickAt(t *testing.T, at time.Time) *models.TickResult {
	t.Helper()
	f.clock.Set(at)
	res, err := f.sched.RunTick(context.Background(), at)
	if err != nil {
		t.Fatalf("RunTick(%s) failed: %v", at, err)
	}
	return res
}

func (f *fixture) instance(t *testing.T, id string) *models.SequenceInstance {
	t.Helper()
	inst, err := f.store.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	return inst
}

func assertNextDue(t *testing.T, inst *models.SequenceInstance, want time.Time) {
	t.Helper()
	if inst.NextDueAt == nil {
		t.Fatalf("NextDueAt is nil, want %s", want)
	}
	if !inst.NextDueAt.Equal(want) {
		t.Errorf("NextDueAt = %s, want %s", inst.NextDueAt, want)
	}
}

func TestSelectDueStep(t *testing.T) {
	steps := []models.InstanceStep{
		{ID: "c", StepNumber: 3},
		{ID: "a", StepNumber: 1, Executed: true},
		{ID: "b", StepNumber: 2},
	}
	for i := 0; i < 2; i++ {
		st, ok := SelectDueStep(steps)
		if !ok || st.ID != "b" {
			t.Fatalf("SelectDueStep = %+v, %v; want step b", st, ok)
		}
	}
	if _, ok := SelectDueStep([]models.InstanceStep{{StepNumber: 1, Executed: true}}); ok {
		t.Error("expected no step when all are executed")
	}
	if _, ok := SelectDueStep(nil); ok {
		t.Error("expected no step for empty input")
	}
}

func TestNextStepAfter(t *testing.T) {
	steps := []models.InstanceStep{
		{ID: "a", StepNumber: 1},
		{ID: "b", StepNumber: 4},
		{ID: "c", StepNumber: 7, Executed: true},
		{ID: "d", StepNumber: 9},
	}
	tests := []struct {
		after  int
		wantID string
		wantOK bool
	}{
		{0, "a", true},
		{1, "b", true},
		{4, "d", true},
		{9, "", false},
	}
	for _, tt := range tests {
		st, ok := NextStepAfter(steps, tt.after)
		if ok != tt.wantOK || st.ID != tt.wantID {
			t.Errorf("NextStepAfter(%d) = %q, %v; want %q, %v", tt.after, st.ID, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestDueAt(t *testing.T) {
	if got := DueAt(day1, 0); !got.Equal(day1) {
		t.Errorf("DueAt(day1, 0) = %s", got)
	}
	if got := DueAt(day1, 4); !got.Equal(day5) {
		t.Errorf("DueAt(day1, 4) = %s, want %s", got, day5)
	}
	local := day1.In(time.FixedZone("X", 5*3600))
	if got := DueAt(local, 2); got.Location() != time.UTC || !got.Equal(day3) {
		t.Errorf("DueAt should normalise to UTC, got %s", got)
	}
}

func TestWorkedExample(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

		if inst.Status != models.StatusActive || inst.CurrentStep != 0 || inst.TotalSteps != 3 {
			t.Fatalf("unexpected start state: %+v", inst)
		}
		assertNextDue(t, inst, day1)

		res := f.tickAt(t, day1)
		if res.Dispatched != 1 || res.Failed != 0 {
			t.Fatalf("day1 tick: %+v", res)
		}
		got := f.instance(t, inst.ID)
		if got.CurrentStep != 1 {
			t.Errorf("CurrentStep = %d, want 1", got.CurrentStep)
		}
		assertNextDue(t, got, day3)

		if res := f.tickAt(t, day2); len(res.Outcomes) != 0 {
			t.Errorf("day2 tick should find nothing due, got %+v", res)
		}

		f.tickAt(t, day3)
		got = f.instance(t, inst.ID)
		if got.CurrentStep != 2 {
			t.Errorf("CurrentStep = %d, want 2", got.CurrentStep)
		}
		assertNextDue(t, got, day5)

		f.tickAt(t, day5)
		got = f.instance(t, inst.ID)
		if got.Status != models.StatusCompleted || got.CurrentStep != 3 {
			t.Fatalf("expected COMPLETED at step 3, got %s at %d", got.Status, got.CurrentStep)
		}
		if got.NextDueAt != nil || got.CompletedAt == nil || !got.CompletedAt.Equal(day5) {
			t.Errorf("completion fields wrong: next=%v completed=%v", got.NextDueAt, got.CompletedAt)
		}
		for _, step := range got.Steps {
			if !step.Executed || step.ExecutedAt == nil {
				t.Errorf("step %d not executed", step.StepNumber)
			}
		}

		sent := f.sender.Sent()
		wantChannels := []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelWhatsApp}
		if len(sent) != len(wantChannels) {
			t.Fatalf("sent %d messages, want %d", len(sent), len(wantChannels))
		}
		for i, ch := range wantChannels {
			if sent[i].Channel != ch {
				t.Errorf("message %d channel = %s, want %s", i, sent[i].Channel, ch)
			}
		}
		if sent[0].To != "ada@example.com" || sent[0].Subject != "Hello Ada" || sent[0].Body != "Hi Ada Lovelace" {
			t.Errorf("email not rendered: %+v", sent[0])
		}
		if sent[1].To != "+1 555 0100" || sent[2].To != "+1 555 0101" {
			t.Errorf("wrong addresses: %q %q", sent[1].To, sent[2].To)
		}
		if sent[2].Body != "Last note for Analytical Engines" {
			t.Errorf("whatsapp body = %q", sent[2].Body)
		}

		records, err := f.engine.ListMessages(ctx, inst.PersonID)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("expected 3 message records, got %d", len(records))
		}
		for _, r := range records {
			if r.Status != models.MessageStatusSent || r.Provider != messaging.ProviderDryRun || r.InstanceID != inst.ID {
				t.Errorf("unexpected record: %+v", r)
			}
		}

		if res := f.tickAt(t, day5.AddDate(0, 0, 10)); len(res.Outcomes) != 0 {
			t.Errorf("completed sequence must not be ticked again: %+v", res)
		}
	})
}

func TestLateTickUsesStartRelativeDelays(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

		f.tickAt(t, day4)
		got := f.instance(t, inst.ID)
		assertNextDue(t, got, day3)

		// Step 2 was due on day 3 and is still overdue on day 4.
		res := f.tickAt(t, day4)
		if res.Dispatched != 1 {
			t.Fatalf("second day4 tick should dispatch step 2: %+v", res)
		}
		got = f.instance(t, inst.ID)
		if got.CurrentStep != 2 {
			t.Errorf("CurrentStep = %d, want 2", got.CurrentStep)
		}
		assertNextDue(t, got, day5)

		if res := f.tickAt(t, day4); len(res.Outcomes) != 0 {
			t.Errorf("step 3 is not due before day5: %+v", res)
		}
	})
}

func TestConcurrentTicksDispatchOnce(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		f.sender.OnSend = func(messaging.OutboundMessage) { time.Sleep(20 * time.Millisecond) }
		f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

		var wg sync.WaitGroup
		results := make([]*models.TickResult, 4)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := f.sched.RunTick(context.Background(), day1)
				if err != nil {
					t.Errorf("RunTick failed: %v", err)
					return
				}
				results[i] = res
			}(i)
		}
		wg.Wait()

		dispatched := 0
		for _, r := range results {
			if r != nil {
				dispatched += r.Dispatched
			}
		}
		if dispatched != 1 {
			t.Errorf("dispatched %d times across concurrent ticks, want 1", dispatched)
		}
		if n := len(f.sender.Sent()); n != 1 {
			t.Errorf("sent %d messages, want 1", n)
		}
	})
}

func TestPauseResumePreservesProgress(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())
		f.tickAt(t, day1)

		f.clock.Set(day2)
		paused, err := f.engine.PauseSequence(ctx, inst.ID)
		if err != nil {
			t.Fatalf("PauseSequence failed: %v", err)
		}
		if paused.Status != models.StatusPaused || paused.PausedAt == nil || !paused.PausedAt.Equal(day2) {
			t.Fatalf("unexpected paused state: %+v", paused)
		}
		assertNextDue(t, paused, day3)

		if res := f.tickAt(t, day3); len(res.Outcomes) != 0 {
			t.Errorf("paused sequence must not dispatch: %+v", res)
		}

		f.clock.Set(day4)
		resumed, err := f.engine.ResumeSequence(ctx, inst.ID)
		if err != nil {
			t.Fatalf("ResumeSequence failed: %v", err)
		}
		if resumed.Status != models.StatusActive || resumed.PausedAt != nil || resumed.CurrentStep != 1 {
			t.Fatalf("unexpected resumed state: %+v", resumed)
		}
		assertNextDue(t, resumed, day3)

		res := f.tickAt(t, day4)
		if res.Dispatched != 1 {
			t.Fatalf("resumed sequence should catch up: %+v", res)
		}
		got := f.instance(t, inst.ID)
		if got.CurrentStep != 2 {
			t.Errorf("CurrentStep = %d, want 2", got.CurrentStep)
		}
		if sent := f.sender.Sent(); len(sent) != 2 || sent[1].Channel != models.ChannelSMS {
			t.Errorf("expected step 2 SMS after resume, got %+v", sent)
		}
	})
}

func TestLifecycleTransitions(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

		if _, err := f.engine.ResumeSequence(ctx, inst.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
			t.Errorf("resume ACTIVE: expected invalid transition, got %v", err)
		}
		var terr *models.TransitionError
		if _, err := f.engine.ResumeSequence(ctx, inst.ID); !errors.As(err, &terr) || terr.From != models.StatusActive {
			t.Errorf("expected TransitionError from ACTIVE, got %v", err)
		}

		cancelled, err := f.engine.CancelSequence(ctx, inst.ID)
		if err != nil {
			t.Fatalf("CancelSequence failed: %v", err)
		}
		if cancelled.Status != models.StatusCancelled || cancelled.NextDueAt != nil || cancelled.CompletedAt == nil {
			t.Errorf("unexpected cancelled state: %+v", cancelled)
		}

		for _, action := range []models.Action{models.ActionPause, models.ActionResume, models.ActionCancel} {
			if _, err := f.engine.ApplyAction(ctx, inst.ID, action); !errors.Is(err, models.ErrInvalidStateTransition) {
				t.Errorf("%s on CANCELLED: expected invalid transition, got %v", action, err)
			}
		}
		got := f.instance(t, inst.ID)
		if got.Status != models.StatusCancelled || got.CurrentStep != 0 {
			t.Errorf("refused actions must not change the instance: %+v", got)
		}

		if _, err := f.engine.PauseSequence(ctx, "seq_missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStartSequenceValidation(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		person := testutil.SamplePerson()
		if err := f.engine.CreatePerson(ctx, person); err != nil {
			t.Fatalf("CreatePerson failed: %v", err)
		}

		empty := &models.SequenceTemplate{Name: "Empty", Active: true}
		if err := f.engine.CreateTemplate(ctx, empty); err != nil {
			t.Fatalf("CreateTemplate failed: %v", err)
		}
		if _, err := f.engine.StartSequence(ctx, person.ID, empty.ID); !errors.Is(err, models.ErrValidation) {
			t.Errorf("template without steps: expected ErrValidation, got %v", err)
		}

		inactive := testutil.SampleTemplate()
		inactive.Active = false
		if err := f.engine.CreateTemplate(ctx, inactive); err != nil {
			t.Fatalf("CreateTemplate failed: %v", err)
		}
		if _, err := f.engine.StartSequence(ctx, person.ID, inactive.ID); !errors.Is(err, models.ErrValidation) {
			t.Errorf("inactive template: expected ErrValidation, got %v", err)
		}

		active := testutil.SampleTemplate()
		if err := f.engine.CreateTemplate(ctx, active); err != nil {
			t.Fatalf("CreateTemplate failed: %v", err)
		}
		if _, err := f.engine.StartSequence(ctx, "per_missing", active.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("unknown person: expected ErrNotFound, got %v", err)
		}
		if _, err := f.engine.StartSequence(ctx, person.ID, "tpl_missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("unknown template: expected ErrNotFound, got %v", err)
		}

		bad := &models.SequenceTemplate{Name: "Bad", Active: true, Steps: []models.TemplateStep{
			{StepNumber: 1, Channel: models.ChannelEmail, Body: "no subject"},
		}}
		if err := f.engine.CreateTemplate(ctx, bad); !errors.Is(err, models.ErrValidation) {
			t.Errorf("email step without subject: expected ErrValidation, got %v", err)
		}
	})
}

func TestTemplateChangesDoNotAffectRunningInstances(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		tmpl := testutil.SampleTemplate()
		inst := f.seed(t, tmpl, testutil.SamplePerson())

		_, err := f.engine.ReplaceTemplateSteps(ctx, tmpl.ID, []models.TemplateStep{
			{StepNumber: 1, Channel: models.ChannelSMS, Body: "replaced", DelayDays: 9},
		})
		if err != nil {
			t.Fatalf("ReplaceTemplateSteps failed: %v", err)
		}
		got := f.instance(t, inst.ID)
		if len(got.Steps) != 3 || got.Steps[0].Body != "Hi {{fullName}}" {
			t.Errorf("instance steps changed with template: %+v", got.Steps)
		}
		f.tickAt(t, day1)
		if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Body != "Hi Ada Lovelace" {
			t.Errorf("expected original step text, got %+v", sent)
		}
	})
}

func TestMissingContactChannel(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		person := testutil.SamplePerson()
		person.Email = ""
		inst := f.seed(t, testutil.SampleTemplate(), person)

		res := f.tickAt(t, day1)
		if res.Failed != 1 || len(res.Outcomes) != 1 || res.Outcomes[0].Error == "" {
			t.Fatalf("expected one failed outcome, got %+v", res)
		}
		got := f.instance(t, inst.ID)
		if got.CurrentStep != 0 || got.Steps[0].Executed || got.DispatchStepID != "" {
			t.Errorf("failed dispatch must leave the step pending and release the claim: %+v", got)
		}
		if len(f.sender.Sent()) != 0 {
			t.Error("nothing should have been sent")
		}

		_, err := f.disp.Dispatch(context.Background(), inst.ID, got.Steps[0].ID)
		if err != nil {
			t.Errorf("dispatch without claim should be skipped, got %v", err)
		}
	})
}

func TestMissingContactRetriedAfterFix(t *testing.T) {
	mem := store.NewInMemoryStore()
	f := newFixture(t, mem)
	person := testutil.SamplePerson()
	person.Email = ""
	inst := f.seed(t, testutil.SampleTemplate(), person)

	out, err := dispatchClaimed(t, f, inst.ID, day1)
	if !errors.Is(err, models.ErrMissingContactChannel) || out.Outcome != models.OutcomeFailed {
		t.Fatalf("expected missing contact failure, got %+v %v", out, err)
	}

	person.Email = "ada@example.com"
	mem.UpdatePerson(*person)
	if res := f.tickAt(t, day1); res.Dispatched != 1 {
		t.Fatalf("expected retry to dispatch, got %+v", res)
	}
}

// dispatchClaimed claims the due step and dispatches it directly.
func dispatchClaimed(t *testing.T, f *fixture, instanceID string, now time.Time) (models.InstanceOutcome, error) {
	t.Helper()
	ctx := context.Background()
	steps, err := f.store.GetInstanceSteps(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetInstanceSteps failed: %v", err)
	}
	step, ok := SelectDueStep(steps)
	if !ok {
		t.Fatal("no due step")
	}
	claimed, err := f.store.ClaimDispatch(ctx, instanceID, step.ID, now, now.Add(-DefaultClaimLease))
	if err != nil || !claimed {
		t.Fatalf("ClaimDispatch = %v, %v", claimed, err)
	}
	return f.disp.Dispatch(ctx, instanceID, step.ID)
}

func TestSendFailure(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		f.sender.FailChannels[models.ChannelEmail] = errors.New("smtp down")
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

		out, err := dispatchClaimed(t, f, inst.ID, day1)
		if !errors.Is(err, models.ErrSend) || out.Outcome != models.OutcomeFailed {
			t.Fatalf("expected send failure, got %+v %v", out, err)
		}
		got := f.instance(t, inst.ID)
		if got.CurrentStep != 0 || got.Steps[0].Executed || got.DispatchStepID != "" {
			t.Errorf("send failure must not advance: %+v", got)
		}
		assertNextDue(t, got, day1)

		records, err := f.store.ListMessageRecords(ctx, inst.PersonID)
		if err != nil {
			t.Fatalf("ListMessageRecords failed: %v", err)
		}
		if len(records) != 1 || records[0].Status != models.MessageStatusFailed {
			t.Errorf("expected one FAILED record, got %+v", records)
		}

		delete(f.sender.FailChannels, models.ChannelEmail)
		if res := f.tickAt(t, day1); res.Dispatched != 1 {
			t.Fatalf("retry should dispatch: %+v", res)
		}
		if got := f.instance(t, inst.ID); got.CurrentStep != 1 {
			t.Errorf("CurrentStep = %d after retry, want 1", got.CurrentStep)
		}
	})
}

func TestExistingRecordSkipsResend(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())
		first := inst.Steps[0]

		// A previous run sent and recorded the step but crashed before advancing.
		err := f.store.AppendMessageRecord(ctx, &models.MessageRecord{
			PersonID: inst.PersonID, InstanceID: inst.ID, StepID: first.ID,
			Channel: first.Channel, Address: "ada@example.com", Body: "Hi",
			Status: models.MessageStatusSent, SentAt: day1,
		})
		if err != nil {
			t.Fatalf("AppendMessageRecord failed: %v", err)
		}

		res := f.tickAt(t, day1)
		if res.Dispatched != 1 {
			t.Fatalf("expected advance, got %+v", res)
		}
		if n := len(f.sender.Sent()); n != 0 {
			t.Errorf("recorded step must not be resent, sent %d", n)
		}
		got := f.instance(t, inst.ID)
		if got.CurrentStep != 1 {
			t.Errorf("CurrentStep = %d, want 1", got.CurrentStep)
		}
		assertNextDue(t, got, day3)
	})
}

func TestCancelDuringSend(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())
		f.sender.OnSend = func(messaging.OutboundMessage) {
			if _, err := f.engine.CancelSequence(context.Background(), inst.ID); err != nil {
				t.Errorf("CancelSequence during send failed: %v", err)
			}
		}

		f.tickAt(t, day1)
		got := f.instance(t, inst.ID)
		if got.Status != models.StatusCancelled {
			t.Fatalf("status = %s, want CANCELLED", got.Status)
		}
		if got.NextDueAt != nil || got.CompletedAt == nil {
			t.Errorf("cancel fields overwritten: next=%v completed=%v", got.NextDueAt, got.CompletedAt)
		}
		if got.CurrentStep != 1 || !got.Steps[0].Executed {
			t.Errorf("the sent step must still be recorded as executed: %+v", got)
		}
		if res := f.tickAt(t, day5); len(res.Outcomes) != 0 {
			t.Errorf("cancelled sequence must not dispatch: %+v", res)
		}
	})
}

func TestPauseDuringSend(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())
		f.sender.OnSend = func(messaging.OutboundMessage) {
			if _, err := f.engine.PauseSequence(context.Background(), inst.ID); err != nil {
				t.Errorf("PauseSequence during send failed: %v", err)
			}
		}

		f.tickAt(t, day1)
		got := f.instance(t, inst.ID)
		if got.Status != models.StatusPaused || got.CurrentStep != 1 {
			t.Fatalf("expected PAUSED at step 1, got %s at %d", got.Status, got.CurrentStep)
		}
		assertNextDue(t, got, day3)

		f.sender.OnSend = nil
		if _, err := f.engine.ResumeSequence(ctx, inst.ID); err != nil {
			t.Fatalf("ResumeSequence failed: %v", err)
		}
		if res := f.tickAt(t, day3); res.Dispatched != 1 {
			t.Errorf("expected step 2 after resume: %+v", res)
		}
	})
}

func TestResumeAfterLastStepCompletes(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		tmpl := &models.SequenceTemplate{Name: "One", Active: true, Steps: []models.TemplateStep{
			{StepNumber: 1, Channel: models.ChannelSMS, Body: "only"},
		}}
		inst := f.seed(t, tmpl, testutil.SamplePerson())
		f.sender.OnSend = func(messaging.OutboundMessage) {
			if _, err := f.engine.PauseSequence(context.Background(), inst.ID); err != nil {
				t.Errorf("PauseSequence failed: %v", err)
			}
		}
		f.tickAt(t, day1)
		got := f.instance(t, inst.ID)
		if got.Status != models.StatusPaused || got.CurrentStep != 1 {
			t.Fatalf("expected PAUSED with the step executed, got %+v", got)
		}

		f.sender.OnSend = nil
		if _, err := f.engine.ResumeSequence(ctx, inst.ID); err != nil {
			t.Fatalf("ResumeSequence failed: %v", err)
		}
		res := f.tickAt(t, day2)
		if res.Completed != 1 {
			t.Fatalf("expected completion, got %+v", res)
		}
		if got := f.instance(t, inst.ID); got.Status != models.StatusCompleted || got.NextDueAt != nil {
			t.Errorf("unexpected final state: %+v", got)
		}
		if n := len(f.sender.Sent()); n != 1 {
			t.Errorf("sent %d messages, want 1", n)
		}
	})
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

		claimed, err := f.store.ClaimDispatch(ctx, inst.ID, inst.Steps[0].ID, day1, day1.Add(-DefaultClaimLease))
		if err != nil || !claimed {
			t.Fatalf("ClaimDispatch = %v, %v", claimed, err)
		}
		if res := f.tickAt(t, day1.Add(time.Minute)); res.Skipped != 1 {
			t.Errorf("live claim should skip: %+v", res)
		}
		if res := f.tickAt(t, day1.Add(DefaultClaimLease+time.Minute)); res.Dispatched != 1 {
			t.Errorf("abandoned claim should be taken over: %+v", res)
		}
	})
}

func TestQueueMode(t *testing.T) {
	testutil.ForEachStore(t, func(t *testing.T, st store.Store) {
		jobs, ok := st.(store.JobRepo)
		if !ok {
			t.Fatal("store does not implement JobRepo")
		}
		f := newFixture(t, st, WithDispatchQueue(jobs))
		ctx := context.Background()
		inst := f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

		if f.sched.Mode() != DispatchQueue {
			t.Fatalf("mode = %s", f.sched.Mode())
		}
		res := f.tickAt(t, day1)
		if res.Dispatched != 1 || len(f.sender.Sent()) != 0 {
			t.Fatalf("queue tick should only enqueue: %+v", res)
		}
		if res := f.tickAt(t, day1); res.Skipped != 1 {
			t.Errorf("queued step holds the claim: %+v", res)
		}

		runner := store.NewJobRunner(jobs, time.Second)
		RegisterDispatchHandler(runner, f.disp)
		if n := runner.PollOnce(ctx); n != 1 {
			t.Fatalf("PollOnce processed %d jobs, want 1", n)
		}
		if n := runner.PollOnce(ctx); n != 0 {
			t.Errorf("dedupe should leave no second job, processed %d", n)
		}
		if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Channel != models.ChannelEmail {
			t.Fatalf("expected the email step, got %+v", sent)
		}
		got := f.instance(t, inst.ID)
		if got.CurrentStep != 1 || got.DispatchStepID != "" {
			t.Errorf("unexpected state after job: %+v", got)
		}
		assertNextDue(t, got, day3)
	})
}

func TestDispatchJobHandlerRejectsBadPayload(t *testing.T) {
	h := DispatchJobHandler(NewDispatcher(store.NewInMemoryStore(), messaging.NewRecordingSender()))
	if err := h(context.Background(), "not json"); err == nil {
		t.Error("expected error for malformed payload")
	}
	if err := h(context.Background(), `{"instance_id":""}`); err == nil {
		t.Error("expected error for empty ids")
	}
	if err := h(context.Background(), `{"instance_id":"seq_x","step_id":"stp_x"}`); err != nil {
		t.Errorf("domain failures must not fail the job: %v", err)
	}
}

type fakeFence struct {
	ok       bool
	released int
}

func (f *fakeFence) TryAcquire(ctx context.Context) (bool, error) { return f.ok, nil }
func (f *fakeFence) Release(ctx context.Context) error { f.released++; return nil }

func TestTickFence(t *testing.T) {
	st := store.NewInMemoryStore()
	fence := &fakeFence{}
	f := newFixture(t, st, WithTickFence(fence))
	f.seed(t, testutil.SampleTemplate(), testutil.SamplePerson())

	if _, err := f.sched.RunTick(context.Background(), day1); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}
	if len(f.sender.Sent()) != 0 {
		t.Error("fenced tick must not send")
	}

	fence.ok = true
	res, err := f.sched.Tick(context.Background())
	if err != nil || res.Dispatched != 1 {
		t.Fatalf("Tick = %+v, %v", res, err)
	}
	if fence.released != 1 {
		t.Errorf("fence released %d times, want 1", fence.released)
	}
}

func TestParseDispatchMode(t *testing.T) {
	for in, want := range map[string]DispatchMode{"": DispatchInline, "inline": DispatchInline, "queue": DispatchQueue} {
		got, err := ParseDispatchMode(in)
		if err != nil || got != want {
			t.Errorf("ParseDispatchMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDispatchMode("batch"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
