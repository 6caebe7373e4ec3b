package sequence

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/models"
	"sequencer/utils"
)

func TestExecutor_EmailThenWaitThenComplete(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	seq := f.sequence(emailStep(&pid), waitStep(2, "days"))
	sub := f.subscriber("ada@example.com")
	e := f.enroll(seq, sub)

	f.process(e.ID)

	jobs := f.emails.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ada@example.com", jobs[0].Recipient)
	assert.Equal(t, "Hi Ada", jobs[0].Subject)
	assert.Equal(t, "news@acme.test", jobs[0].FromEmail)
	assert.Equal(t, pid, jobs[0].SendingProviderID)
	assert.Equal(t, "smtp.acme.test", jobs[0].ProviderConfig["smtp_host"])
	assert.Equal(t, e.ID, jobs[0].EnrollmentID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionCompleted, execs[0].Status)
	assert.Equal(t, jobs[0].ID, execs[0].ExternalJobID)
	assert.Equal(t, models.ExecutionCompleted, execs[1].Status)

	got := f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	require.NotNil(t, got.CurrentStepID)
	assert.Equal(t, seq.Steps[1].ID, *got.CurrentStepID)
	require.NotNil(t, got.CurrentStepStartedAt)
	require.NotNil(t, got.NextScheduledAt)
	assert.Equal(t, got.CurrentStepStartedAt.Add(48*time.Hour), *got.NextScheduledAt)

	last := f.advance.Batches[len(f.advance.Batches)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "wait", last[0].Reason)
	assert.Equal(t, e.ID, last[0].EnrollmentID)

	// too early: nothing happens
	f.now = f.now.Add(47 * time.Hour)
	f.process(e.ID)
	assert.Equal(t, models.EnrollmentActive, f.enrollment(e.ID).Status)

	f.now = f.now.Add(time.Hour)
	f.process(e.ID)
	got = f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.NextScheduledAt)
	assert.Len(t, f.executions(e.ID), 2)
}

func TestExecutor_ConcurrentDeliveryExecutesOnce(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	seq := f.sequence(emailStep(&pid), waitStep(1, "days"))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.exec.Process(f.ctx, e.ID))
		}()
	}
	wg.Wait()

	completed := 0
	for _, x := range f.executions(e.ID) {
		if x.StepID == seq.Steps[0].ID && x.Status == models.ExecutionCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Len(t, f.emails.Jobs(), 1)
}

func TestExecutor_ReplaysCompletedExecutionWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	seq := f.sequence(emailStep(&pid), waitStep(1, "days"))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	started := f.now.Add(-time.Minute)
	created, err := f.store.CreateExecution(f.ctx, &models.StepExecution{
		EnrollmentID:  e.ID,
		StepID:        seq.Steps[0].ID,
		Attempt:       1,
		Status:        models.ExecutionCompleted,
		StartedAt:     &started,
		ExternalJobID: "job-from-earlier-delivery",
	})
	require.NoError(t, err)
	require.True(t, created)

	f.process(e.ID)

	assert.Empty(t, f.emails.Jobs())
	assert.Len(t, f.executions(e.ID), 2)
	got := f.enrollment(e.ID)
	require.NotNil(t, got.CurrentStepID)
	assert.Equal(t, seq.Steps[1].ID, *got.CurrentStepID)
}

func TestExecutor_EmailWithoutProviderFails(t *testing.T) {
	f := newFixture(t)
	seq := f.sequence(emailStep(nil), waitStep(1, "days"))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, "provider")
	assert.Equal(t, string(KindValidation), execs[0].ErrorKind)

	got := f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Nil(t, got.CurrentStepID)
	assert.Nil(t, got.NextScheduledAt)
	assert.Empty(t, f.emails.Jobs())

	// validation failures are never retried
	f.now = f.now.Add(time.Hour)
	f.process(e.ID)
	assert.Len(t, f.executions(e.ID), 1)
}

func TestExecutor_InactiveProviderFails(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(false)
	seq := f.sequence(emailStep(&pid))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 1)
	assert.Contains(t, execs[0].Error, "not active")
	assert.Empty(t, f.emails.Jobs())
}

func TestExecutor_HeldStepRunsAgainAfterOperatorAction(t *testing.T) {
	tests := []struct {
		name    string
		recover func(f *fixture, id uint) error
	}{
		{"resume", func(f *fixture, id uint) error {
			if err := f.mgr.Pause(f.ctx, id); err != nil {
				return err
			}
			return f.mgr.Resume(f.ctx, id)
		}},
		{"retry", func(f *fixture, id uint) error { return f.mgr.Retry(f.ctx, id) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			pid := f.provider(false)
			seq := f.sequence(emailStep(&pid))
			e := f.enroll(seq, f.subscriber("ada@example.com"))

			f.process(e.ID)
			require.Nil(t, f.enrollment(e.ID).NextScheduledAt)

			// held steps stay held without an operator
			f.now = f.now.Add(time.Hour)
			f.process(e.ID)
			assert.Len(t, f.executions(e.ID), 1)

			p, err := f.store.GetProvider(f.ctx, pid)
			require.NoError(t, err)
			p.IsActive = true
			require.NoError(t, f.store.UpdateProvider(f.ctx, p))

			f.now = f.now.Add(time.Minute)
			require.NoError(t, tt.recover(f, e.ID))
			f.process(e.ID)

			execs := f.executions(e.ID)
			require.Len(t, execs, 2)
			assert.Equal(t, models.ExecutionFailed, execs[0].Status)
			assert.Equal(t, models.ExecutionCompleted, execs[1].Status)
			assert.Equal(t, 2, execs[1].Attempt)
			assert.Len(t, f.emails.Jobs(), 1)
			assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
		})
	}
}

func TestExecutor_RetriedStepFailingAgainIsHeld(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(false)
	seq := f.sequence(emailStep(&pid))
	e := f.enroll(seq, f.subscriber("ada@example.com"))
	f.process(e.ID)

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.mgr.Retry(f.ctx, e.ID))
	f.now = f.now.Add(time.Second)
	f.process(e.ID)
	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionFailed, execs[1].Status)
	got := f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Nil(t, got.NextScheduledAt)

	// only held enrollments can be retried
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.mgr.Retry(f.ctx, e.ID))
	assert.Equal(t, KindValidation, Classify(f.mgr.Retry(f.ctx, e.ID)))
	assert.Equal(t, KindNotFound, Classify(f.mgr.Retry(f.ctx, 999)))
}

func TestExecutor_SequenceDefaultProvider(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	step := emailStep(nil)
	step.StepOrder = 1
	seq := &models.Sequence{
		UserID:      owner,
		Name:        "defaults",
		Status:      models.SequenceActive,
		TriggerType: models.TriggerSubscription,
		Settings:    models.SequenceSettings{SendingProviderID: &pid, FromName: "Acme Team"},
		Steps:       []models.SequenceStep{step},
	}
	require.NoError(t, f.store.CreateSequence(f.ctx, seq))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.process(e.ID)

	jobs := f.emails.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "Acme Team", jobs[0].FromName)
	assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
}

func TestExecutor_ExitAllStopsQueuedJobs(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	first := f.sequence(emailStep(&pid))
	second := f.sequence(emailStep(&pid))
	sub := f.subscriber("ada@example.com")
	a := f.enroll(first, sub)
	b := f.enroll(second, sub)

	n, err := f.mgr.ExitAll(f.ctx, sub.ID, "admin")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// the jobs emitted at enrollment still fire
	jobs, err := f.advance.Dequeue(f.ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		f.process(job.EnrollmentID)
	}

	for _, id := range []uint{a.ID, b.ID} {
		got := f.enrollment(id)
		assert.Equal(t, models.EnrollmentExited, got.Status)
		assert.Equal(t, "admin", got.ExitReason)
		assert.NotNil(t, got.ExitedAt)
		assert.Nil(t, got.NextScheduledAt)
		assert.Empty(t, f.executions(id))
	}
	assert.Empty(t, f.emails.Jobs())
}

func TestExecutor_ConditionSelectsFalseBranch(t *testing.T) {
	f := newFixture(t)
	seq := &models.Sequence{UserID: owner, Name: "branch", Status: models.SequenceActive, TriggerType: models.TriggerSubscription}
	require.NoError(t, f.store.CreateSequence(f.ctx, seq))

	yes := tagStep("yes")
	yes.SequenceID, yes.StepOrder = seq.ID, 2
	require.NoError(t, f.store.CreateStep(f.ctx, &yes))
	no := tagStep("no")
	no.SequenceID, no.StepOrder = seq.ID, 3
	require.NoError(t, f.store.CreateStep(f.ctx, &no))
	cond := newStep(models.StepCondition, ConditionStep{
		Conditions:  []Predicate{{Field: "first_name", Operator: "equals", Value: "Grace"}},
		TrueStepID:  &yes.ID,
		FalseStepID: &no.ID,
	})
	cond.SequenceID, cond.StepOrder = seq.ID, 1
	require.NoError(t, f.store.CreateStep(f.ctx, &cond))

	sub := f.subscriber("ada@example.com")
	e := f.enroll(seq, sub)
	f.process(e.ID)

	got, err := f.store.GetSubscriber(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"no"}, got.TagNames())

	var ran []uint
	for _, x := range f.executions(e.ID) {
		ran = append(ran, x.StepID)
	}
	assert.Equal(t, []uint{cond.ID, no.ID}, ran)
	assert.Equal(t, false, f.executions(e.ID)[0].Result[resultMatched])
	assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
}

func TestExecutor_ConditionRejectsBackwardBranch(t *testing.T) {
	f := newFixture(t)
	seq := f.sequence(tagStep("first"))
	cond := newStep(models.StepCondition, ConditionStep{
		Conditions: []Predicate{{Field: "email", Operator: "exists"}},
		TrueStepID: &seq.Steps[0].ID,
	})
	cond.SequenceID, cond.StepOrder = seq.ID, 2
	require.NoError(t, f.store.CreateStep(f.ctx, &cond))

	e := f.enroll(seq, f.subscriber("ada@example.com"))
	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionFailed, execs[1].Status)
	assert.Equal(t, string(KindValidation), execs[1].ErrorKind)
}

func TestExecutor_TransientFailureRetriesThenHolds(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	seq := f.sequence(emailStep(&pid))
	e := f.enroll(seq, f.subscriber("ada@example.com"))
	f.emails.Err = errors.New("queue unavailable")

	f.process(e.ID)
	execs := f.executions(e.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, string(KindTransient), execs[0].ErrorKind)
	got := f.enrollment(e.ID)
	require.NotNil(t, got.NextScheduledAt)
	assert.Equal(t, f.now.Add(time.Minute), *got.NextScheduledAt)

	// retry is not due yet
	f.process(e.ID)
	assert.Len(t, f.executions(e.ID), 1)

	f.now = f.now.Add(time.Minute)
	f.process(e.ID)
	f.now = f.now.Add(time.Minute)
	f.process(e.ID)

	execs = f.executions(e.ID)
	require.Len(t, execs, 3)
	for i, x := range execs {
		assert.Equal(t, i+1, x.Attempt)
		assert.Equal(t, models.ExecutionFailed, x.Status)
	}
	got = f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Nil(t, got.NextScheduledAt)

	f.now = f.now.Add(time.Hour)
	f.process(e.ID)
	assert.Len(t, f.executions(e.ID), 3)
}

func TestExecutor_RetrySucceeds(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	seq := f.sequence(emailStep(&pid))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.emails.Err = errors.New("queue unavailable")
	f.process(e.ID)
	f.emails.Err = nil

	f.now = f.now.Add(time.Minute)
	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Equal(t, models.ExecutionCompleted, execs[1].Status)
	assert.Equal(t, 2, execs[1].Attempt)
	assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
}

func TestExecutor_ExitPolicy(t *testing.T) {
	f := newFixture(t, func(c *ExecutorConfig) { c.FailurePolicy = PolicyExit })
	seq := f.sequence(emailStep(nil))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.process(e.ID)

	got := f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentExited, got.Status)
	assert.Equal(t, ExitStepFailed, got.ExitReason)
}

func TestExecutor_ExecutionLease(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		wantExecs int
		wantTag   bool
	}{
		{"within lease", time.Minute, 1, false},
		{"lease expired", time.Hour, 2, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seq := f.sequence(tagStep("welcomed"))
			sub := f.subscriber("ada@example.com")
			e := f.enroll(seq, sub)

			started := f.now.Add(-tt.age)
			_, err := f.store.CreateExecution(f.ctx, &models.StepExecution{
				EnrollmentID: e.ID,
				StepID:       seq.Steps[0].ID,
				Attempt:      1,
				Status:       models.ExecutionExecuting,
				StartedAt:    &started,
			})
			require.NoError(t, err)

			f.process(e.ID)

			execs := f.executions(e.ID)
			require.Len(t, execs, tt.wantExecs)
			got, err := f.store.GetSubscriber(f.ctx, sub.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTag, len(got.TagNames()) == 1)
			if tt.wantExecs == 2 {
				assert.Equal(t, models.ExecutionFailed, execs[0].Status)
				assert.Contains(t, execs[0].Error, "abandoned")
				assert.Equal(t, models.ExecutionCompleted, execs[1].Status)
			}
		})
	}
}

func TestExecutor_SuppressedRecipientExits(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	seq := f.sequence(emailStep(&pid), waitStep(1, "days"))
	e := f.enroll(seq, f.subscriber("ada@example.com"))
	require.NoError(t, f.store.Suppress(f.ctx, &models.Suppression{Email: "ada@example.com", Reason: "complaint"}))

	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionSkipped, execs[0].Status)
	got := f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentExited, got.Status)
	assert.Equal(t, ExitSuppressed, got.ExitReason)
	assert.Empty(t, f.emails.Jobs())
}

func TestExecutor_UnsubscribedSubscriberIsNotMailed(t *testing.T) {
	f := newFixture(t)
	pid := f.provider(true)
	seq := f.sequence(emailStep(&pid))
	sub := f.subscriber("ada@example.com")
	e := f.enroll(seq, sub)
	require.NoError(t, f.store.MarkUnsubscribed(f.ctx, sub.ID, f.now))

	f.process(e.ID)

	assert.Empty(t, f.emails.Jobs())
	assert.Equal(t, models.EnrollmentExited, f.enrollment(e.ID).Status)
}

func TestExecutor_ActionPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.hooks.status = 500
	f.hooks.err = &utils.WebhookStatusError{URL: "https://hooks.test/x", StatusCode: 500}
	seq := f.sequence(newStep(models.StepAction, ActionStep{Actions: []Action{
		{Type: ActionAddTag, Tag: "vip"},
		{Type: ActionWebhook, URL: "https://hooks.test/x", Event: "vip.added"},
		{Type: ActionUpdateField, Field: "plan", Value: "gold"},
	}}))
	sub := f.subscriber("ada@example.com")
	e := f.enroll(seq, sub)

	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionCompleted, execs[0].Status)
	assert.Equal(t, string(KindPartial), execs[0].ErrorKind)
	assert.Contains(t, execs[0].Error, "1 of 3 actions failed")
	assert.Len(t, f.hooks.calls, 1)

	got, err := f.store.GetSubscriber(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, got.TagNames())
	plan, ok := got.FieldValue("plan")
	assert.True(t, ok)
	assert.Equal(t, "gold", plan)
	assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
}

func TestExecutor_WebhookRejectionCompletesStep(t *testing.T) {
	for _, status := range []int{404, 503} {
		status := status
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			f := newFixture(t)
			f.hooks.status = status
			f.hooks.err = &utils.WebhookStatusError{URL: "https://hooks.test/x", StatusCode: status}
			pid := f.provider(true)
			seq := f.sequence(
				newStep(models.StepAction, ActionStep{Actions: []Action{
					{Type: ActionWebhook, URL: "https://hooks.test/x"},
				}}),
				emailStep(&pid),
			)
			e := f.enroll(seq, f.subscriber("ada@example.com"))

			f.process(e.ID)

			execs := f.executions(e.ID)
			require.Len(t, execs, 2)
			assert.Equal(t, models.ExecutionCompleted, execs[0].Status)
			assert.Equal(t, string(KindPartial), execs[0].ErrorKind)
			assert.Contains(t, execs[0].Error, strconv.Itoa(status))
			assert.Equal(t, models.ExecutionCompleted, execs[1].Status)
			assert.Len(t, f.hooks.calls, 1)
			assert.Len(t, f.emails.Jobs(), 1)
			assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
		})
	}
}

func TestExecutor_WebhookNetworkErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	f.hooks.err = errors.New("dial tcp: connection refused")
	seq := f.sequence(newStep(models.StepAction, ActionStep{Actions: []Action{
		{Type: ActionWebhook, URL: "https://hooks.test/x"},
	}}))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Equal(t, string(KindTransient), execs[0].ErrorKind)
	got := f.enrollment(e.ID)
	require.NotNil(t, got.NextScheduledAt)
	assert.Equal(t, f.now.Add(time.Minute), *got.NextScheduledAt)

	f.hooks.err = nil
	f.now = f.now.Add(time.Minute)
	f.process(e.ID)

	execs = f.executions(e.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionCompleted, execs[1].Status)
	assert.Equal(t, 2, execs[1].Attempt)
	assert.Len(t, f.hooks.calls, 2)
	assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
}

func TestExecutor_ActionAllFailedIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.exec.webhooks = nil
	seq := f.sequence(newStep(models.StepAction, ActionStep{Actions: []Action{
		{Type: ActionWebhook, URL: "https://hooks.test/x"},
	}}))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.process(e.ID)

	execs := f.executions(e.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Equal(t, string(KindValidation), execs[0].ErrorKind)
	assert.Contains(t, execs[0].Error, "no webhook dispatcher")
	assert.Nil(t, f.enrollment(e.ID).NextScheduledAt)
}

func TestExecutor_MaxStepsPerRun(t *testing.T) {
	f := newFixture(t, func(c *ExecutorConfig) { c.MaxStepsPerRun = 2 })
	seq := f.sequence(tagStep("a"), tagStep("b"), tagStep("c"))
	e := f.enroll(seq, f.subscriber("ada@example.com"))

	f.process(e.ID)
	assert.Len(t, f.executions(e.ID), 2)
	assert.Equal(t, models.EnrollmentActive, f.enrollment(e.ID).Status)
	// enrollment job plus the continuation
	assert.Equal(t, 2, f.advance.Total())

	f.process(e.ID)
	assert.Len(t, f.executions(e.ID), 3)
	assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
}

func TestExecutor_DeletedCurrentStepHoldsEnrollment(t *testing.T) {
	f := newFixture(t)
	seq := f.sequence(tagStep("a"), waitStep(1, "days"), tagStep("c"))
	sub := f.subscriber("ada@example.com")
	e := f.enroll(seq, sub)
	f.process(e.ID)

	f.store.DeleteStep(seq.Steps[1].ID)
	f.now = f.now.Add(24 * time.Hour)
	f.process(e.ID)

	got := f.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Nil(t, got.NextScheduledAt)
	assert.Len(t, f.executions(e.ID), 2)
}

func TestExecutor_MissingEnrollmentIsDropped(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.exec.Process(f.ctx, 999))
}

func TestExecutor_InactiveStepsAreSkipped(t *testing.T) {
	f := newFixture(t)
	skipped := tagStep("skipped")
	skipped.IsActive = false
	seq := f.sequence(skipped, tagStep("kept"))
	sub := f.subscriber("ada@example.com")
	e := f.enroll(seq, sub)

	f.process(e.ID)

	got, err := f.store.GetSubscriber(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, got.TagNames())
	assert.Equal(t, models.EnrollmentCompleted, f.enrollment(e.ID).Status)
}
