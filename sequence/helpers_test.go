package sequence

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"sequencer/backoff"
	"sequencer/models"
	"sequencer/queue"
	"sequencer/repository"
)

const owner uint = 1

type fakeWebhooks struct {
	mu     sync.Mutex
	calls  []string
	status int
	err    error
}

func (f *fakeWebhooks) Post(_ context.Context, url, event string, _ map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, event+" "+url)
	if f.status == 0 {
		return 200, f.err
	}
	return f.status, f.err
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *repository.MemoryStore
	emails  *queue.MemoryEmailQueue
	advance *queue.MemoryAdvanceQueue
	hooks   *fakeWebhooks
	exec    *Executor
	mgr     *Manager
	stats   *StatsAggregator
	now     time.Time
}

func newFixture(t *testing.T, mutate ...func(*ExecutorConfig)) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := ExecutorConfig{
		MaxStepAttempts: 3,
		Backoff:         backoff.Constant{Interval: time.Minute},
		FailurePolicy:   PolicyHold,
		ExecutionLease:  15 * time.Minute,
		MaxStepsPerRun:  25,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   repository.NewMemoryStore(),
		emails:  queue.NewMemoryEmailQueue(),
		advance: queue.NewMemoryAdvanceQueue(),
		hooks:   &fakeWebhooks{},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.exec = NewExecutor(f.store, f.emails, f.advance, f.hooks, cfg, log)
	f.exec.now = clock
	f.mgr = NewManager(f.store, f.advance, ManagerConfig{EnrollBatchSize: 50, ScheduleBatchSize: 20}, log)
	f.mgr.now = clock
	f.stats = NewStatsAggregator(f.store, log)
	f.stats.now = clock
	return f
}

func (f *fixture) provider(active bool) uint {
	p := &models.SendingProvider{
		UserID:       owner,
		Name:         "primary",
		FromEmail:    "news@acme.test",
		FromName:     "Acme",
		ProviderType: "smtp",
		SMTPHost:     "smtp.acme.test",
		SMTPPort:     587,
		IsActive:     active,
	}
	f.store.AddProvider(p)
	return p.ID
}

func (f *fixture) subscriber(email string, segments ...uint) *models.Subscriber {
	sub := &models.Subscriber{UserID: owner, Email: email, FirstName: "Ada", Status: models.SubscriberActive}
	f.store.AddSubscriber(sub, segments...)
	return sub
}

func newStep(typ models.StepType, cfg any) models.SequenceStep {
	raw, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return models.SequenceStep{Type: typ, Config: raw, IsActive: true}
}

func (f *fixture) sequence(steps ...models.SequenceStep) *models.Sequence {
	f.t.Helper()
	for i := range steps {
		steps[i].StepOrder = i + 1
	}
	seq := &models.Sequence{
		UserID:      owner,
		Name:        "welcome",
		Status:      models.SequenceActive,
		TriggerType: models.TriggerSubscription,
		Steps:       steps,
	}
	require.NoError(f.t, f.store.CreateSequence(f.ctx, seq))
	return seq
}

func (f *fixture) enroll(seq *models.Sequence, sub *models.Subscriber) *models.Enrollment {
	f.t.Helper()
	res, err := f.mgr.EnrollOne(f.ctx, seq.ID, sub.ID, nil)
	require.NoError(f.t, err)
	require.False(f.t, res.AlreadyEnrolled)
	return res.Enrollment
}

func (f *fixture) enrollment(id uint) *models.Enrollment {
	f.t.Helper()
	e, err := f.store.GetEnrollment(f.ctx, id)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) executions(id uint) []models.StepExecution {
	f.t.Helper()
	xs, err := f.store.ListExecutions(f.ctx, id)
	require.NoError(f.t, err)
	return xs
}

func (f *fixture) process(id uint) {
	f.t.Helper()
	require.NoError(f.t, f.exec.Process(f.ctx, id))
}

func emailStep(providerID *uint) models.SequenceStep {
	return newStep(models.StepEmail, EmailStep{Subject: "Hi {{first_name}}", Content: "<p>Welcome</p>", SendingProviderID: providerID})
}

func waitStep(duration int, unit string) models.SequenceStep {
	return newStep(models.StepWait, WaitStep{Duration: duration, Unit: unit})
}

func tagStep(tag string) models.SequenceStep {
	return newStep(models.StepAction, ActionStep{Actions: []Action{{Type: ActionAddTag, Tag: tag}}})
}

func uintPtr(v uint) *uint { return &v }
