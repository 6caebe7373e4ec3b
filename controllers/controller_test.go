package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/middleware"
	"sequencer/models"
	"sequencer/queue"
	"sequencer/repository"
	"sequencer/sequence"
	"sequencer/utils"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	owner      = uint(1)
)

type testAPI struct {
	t       *testing.T
	app     *fiber.App
	store   *repository.MemoryStore
	advance *queue.MemoryAdvanceQueue
	token   string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := repository.NewMemoryStore()
	advance := queue.NewMemoryAdvanceQueue()
	mgr := sequence.NewManager(store, advance, sequence.ManagerConfig{}, log)
	stats := sequence.NewStatsAggregator(store, log)

	seqs := NewSequenceController(store, mgr, stats, log)
	subs := NewSubscriberController(store, mgr, log)
	providers := NewProviderController(store, testSecret, log)

	app := fiber.New()
	api := app.Group("/api/v1", middleware.Protected(testSecret))
	api.Post("/sequences", seqs.CreateSequence)
	api.Get("/sequences", seqs.GetSequences)
	api.Get("/sequences/:id", seqs.GetSequence)
	api.Post("/sequences/:id/activate", seqs.ActivateSequence)
	api.Post("/sequences/:id/pause", seqs.PauseSequence)
	api.Post("/sequences/:id/steps", seqs.AddStep)
	api.Get("/sequences/:id/stats", seqs.GetSequenceStats)
	api.Post("/sequences/:id/enroll", seqs.Enroll)
	api.Post("/sequences/:id/exit", seqs.ExitSubscriber)
	api.Post("/enrollments/:id/pause", seqs.PauseEnrollment)
	api.Post("/enrollments/:id/resume", seqs.ResumeEnrollment)
	api.Post("/enrollments/:id/retry", seqs.RetryEnrollment)
	api.Get("/enrollments/:id/executions", seqs.GetExecutions)
	api.Post("/subscribers/import", middleware.ImportRateLimiter(3, nil), subs.ImportSubscribers)
	api.Post("/subscribers/:id/unsubscribe", subs.Unsubscribe)
	api.Post("/events", subs.HandleEvent)
	api.Post("/providers", providers.CreateProvider)
	api.Get("/providers", providers.GetProviders)
	api.Put("/providers/:id", providers.UpdateProvider)

	return &testAPI{t: t, app: app, store: store, advance: advance, token: tokenFor(t, owner)}
}

func tokenFor(t *testing.T, userID uint) string {
	token, err := utils.GenerateJWTToken(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return token
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details string          `json:"details"`
}

func (a *testAPI) do(method, path string, body any) (int, envelope) {
	return a.doAs(a.token, method, path, body)
}

func (a *testAPI) doAs(token, method, path string, body any) (int, envelope) {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	if len(raw) > 0 {
		require.NoError(a.t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func welcomeSequence() map[string]any {
	return map[string]any{
		"name":         "Welcome",
		"trigger_type": "subscription",
		"steps": []map[string]any{
			{"type": "action", "config": map[string]any{"actions": []map[string]any{{"type": "add_tag", "tag": "welcomed"}}}},
			{"type": "wait", "config": map[string]any{"duration": 2, "unit": "days"}},
		},
	}
}

func (a *testAPI) createActiveSequence() models.Sequence {
	a.t.Helper()
	status, env := a.do(http.MethodPost, "/api/v1/sequences", welcomeSequence())
	require.Equal(a.t, http.StatusCreated, status, env.Details)
	seq := decode[models.Sequence](a.t, env)

	status, env = a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/activate", nil)
	require.Equal(a.t, http.StatusOK, status, env.Details)
	return seq
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func TestProtected(t *testing.T) {
	a := newTestAPI(t)

	status, _ := a.doAs("", http.MethodGet, "/api/v1/sequences", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = a.doAs("not-a-jwt", http.MethodGet, "/api/v1/sequences", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = a.do(http.MethodGet, "/api/v1/sequences", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestCreateSequence(t *testing.T) {
	a := newTestAPI(t)

	status, env := a.do(http.MethodPost, "/api/v1/sequences", welcomeSequence())
	require.Equal(t, http.StatusCreated, status)
	seq := decode[models.Sequence](t, env)
	assert.Equal(t, models.SequenceDraft, seq.Status)
	assert.Equal(t, owner, seq.UserID)
	require.Len(t, seq.Steps, 2)
	assert.Equal(t, 1, seq.Steps[0].StepOrder)
	assert.Equal(t, 2, seq.Steps[1].StepOrder)
	assert.True(t, seq.Steps[1].IsActive)

	status, env = a.do(http.MethodGet, "/api/v1/sequences/"+itoa(seq.ID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[models.Sequence](t, env).Steps, 2)
}

func TestCreateSequence_Invalid(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"trigger_type": "manual"}},
		{"unknown trigger", map[string]any{"name": "x", "trigger_type": "sms"}},
		{
			name: "bad step config",
			body: map[string]any{
				"name":         "x",
				"trigger_type": "manual",
				"steps":        []map[string]any{{"type": "wait", "config": map[string]any{"duration": 0, "unit": "days"}}},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			status, env := a.do(http.MethodPost, "/api/v1/sequences", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, env.Success)
		})
	}
}

func TestSequenceOwnership(t *testing.T) {
	a := newTestAPI(t)
	seq := a.createActiveSequence()

	other := tokenFor(t, owner+1)
	status, _ := a.doAs(other, http.MethodGet, "/api/v1/sequences/"+itoa(seq.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env := a.doAs(other, http.MethodGet, "/api/v1/sequences", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]models.Sequence](t, env))

	status, _ = a.do(http.MethodGet, "/api/v1/sequences/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestActivateRequiresSteps(t *testing.T) {
	a := newTestAPI(t)
	status, env := a.do(http.MethodPost, "/api/v1/sequences", map[string]any{"name": "empty", "trigger_type": "manual"})
	require.Equal(t, http.StatusCreated, status)
	seq := decode[models.Sequence](t, env)

	status, _ = a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/activate", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/steps", map[string]any{
		"type":   "email",
		"config": map[string]any{"subject": "Hi", "content": "<p>Hello</p>"},
	})
	require.Equal(t, http.StatusCreated, status, env.Details)
	step := decode[models.SequenceStep](t, env)
	assert.Equal(t, 1, step.StepOrder)

	status, _ = a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/activate", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestEnrollAndExit(t *testing.T) {
	a := newTestAPI(t)
	seq := a.createActiveSequence()
	sub := &models.Subscriber{UserID: owner, Email: "ada@example.com"}
	a.store.AddSubscriber(sub)
	path := "/api/v1/sequences/" + itoa(seq.ID)

	status, env := a.do(http.MethodPost, path+"/enroll", map[string]any{"subscriber_id": sub.ID})
	require.Equal(t, http.StatusCreated, status, env.Details)
	res := decode[sequence.EnrollResult](t, env)
	assert.False(t, res.AlreadyEnrolled)

	status, env = a.do(http.MethodPost, path+"/enroll", map[string]any{"subscriber_id": sub.ID})
	require.Equal(t, http.StatusOK, status)
	again := decode[sequence.EnrollResult](t, env)
	assert.True(t, again.AlreadyEnrolled)
	assert.Equal(t, res.Enrollment.ID, again.Enrollment.ID)

	status, _ = a.do(http.MethodPost, path+"/enroll", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(http.MethodPost, path+"/enroll", map[string]any{"subscriber_id": 999})
	assert.Equal(t, http.StatusNotFound, status)

	status, env = a.do(http.MethodPost, path+"/exit", map[string]any{"subscriber_id": sub.ID, "reason": "support request"})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"exited":1}`, string(env.Data))

	e, err := a.store.GetEnrollment(context.Background(), res.Enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentExited, e.Status)
	assert.Equal(t, "support request", e.ExitReason)
}

func TestEnrollDraftSequence(t *testing.T) {
	a := newTestAPI(t)
	status, env := a.do(http.MethodPost, "/api/v1/sequences", welcomeSequence())
	require.Equal(t, http.StatusCreated, status)
	seq := decode[models.Sequence](t, env)
	sub := &models.Subscriber{UserID: owner, Email: "ada@example.com"}
	a.store.AddSubscriber(sub)

	status, _ = a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/enroll", map[string]any{"subscriber_id": sub.ID})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEnrollmentPauseResumeAndExecutions(t *testing.T) {
	a := newTestAPI(t)
	seq := a.createActiveSequence()
	sub := &models.Subscriber{UserID: owner, Email: "ada@example.com"}
	a.store.AddSubscriber(sub)

	_, env := a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/enroll", map[string]any{"subscriber_id": sub.ID})
	id := itoa(decode[sequence.EnrollResult](t, env).Enrollment.ID)

	status, _ := a.do(http.MethodPost, "/api/v1/enrollments/"+id+"/pause", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = a.do(http.MethodPost, "/api/v1/enrollments/"+id+"/pause", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(http.MethodPost, "/api/v1/enrollments/"+id+"/resume", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = a.doAs(tokenFor(t, owner+1), http.MethodPost, "/api/v1/enrollments/"+id+"/pause", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = a.do(http.MethodGet, "/api/v1/enrollments/"+id+"/executions", nil)
	require.Equal(t, http.StatusOK, status)
	var body struct {
		Enrollment models.Enrollment      `json:"enrollment"`
		Executions []models.StepExecution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, models.EnrollmentActive, body.Enrollment.Status)
	assert.Empty(t, body.Executions)
}

func TestRetryEnrollment(t *testing.T) {
	a := newTestAPI(t)
	seq := a.createActiveSequence()
	sub := &models.Subscriber{UserID: owner, Email: "ada@example.com"}
	a.store.AddSubscriber(sub)

	_, env := a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/enroll", map[string]any{"subscriber_id": sub.ID})
	enrollmentID := decode[sequence.EnrollResult](t, env).Enrollment.ID
	id := itoa(enrollmentID)

	// scheduled, so nothing to retry
	status, _ := a.do(http.MethodPost, "/api/v1/enrollments/"+id+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	ctx := context.Background()
	e, err := a.store.GetEnrollment(ctx, enrollmentID)
	require.NoError(t, err)
	e.NextScheduledAt = nil
	ok, err := a.store.AdvanceEnrollment(ctx, e)
	require.NoError(t, err)
	require.True(t, ok)

	status, _ = a.doAs(tokenFor(t, owner+1), http.MethodPost, "/api/v1/enrollments/"+id+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = a.do(http.MethodPost, "/api/v1/enrollments/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, status)
	got, err := a.store.GetEnrollment(ctx, enrollmentID)
	require.NoError(t, err)
	assert.NotNil(t, got.NextScheduledAt)
	assert.NotNil(t, got.RetryRequestedAt)
}

func TestSequenceStats(t *testing.T) {
	a := newTestAPI(t)
	seq := a.createActiveSequence()
	for _, email := range []string{"a@example.com", "b@example.com"} {
		sub := &models.Subscriber{UserID: owner, Email: email}
		a.store.AddSubscriber(sub)
		status, _ := a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/enroll", map[string]any{"subscriber_id": sub.ID})
		require.Equal(t, http.StatusCreated, status)
	}

	status, env := a.do(http.MethodGet, "/api/v1/sequences/"+itoa(seq.ID)+"/stats", nil)
	require.Equal(t, http.StatusOK, status)
	stats := decode[models.SequenceStats](t, env)
	assert.EqualValues(t, 2, stats.TotalEntered)
	assert.EqualValues(t, 2, stats.CurrentActive)
	assert.Zero(t, stats.ConversionRate)

	status, _ = a.do(http.MethodGet, "/api/v1/sequences/"+itoa(seq.ID)+"/stats?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(http.MethodGet, "/api/v1/sequences/"+itoa(seq.ID)+"/stats?from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestImportSubscribers(t *testing.T) {
	a := newTestAPI(t)
	a.createActiveSequence()

	status, env := a.do(http.MethodPost, "/api/v1/subscribers/import", map[string]any{
		"subscribers": []map[string]any{
			{"email": "ada@example.com", "first_name": "Ada"},
			{"email": "ADA@example.com"},
			{"email": "grace@example.com"},
		},
	})
	require.Equal(t, http.StatusCreated, status, env.Details)
	res := decode[ImportResponse](t, env)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Enrollment.Created)
	assert.Equal(t, 2, a.advance.Total())

	status, _ = a.do(http.MethodPost, "/api/v1/subscribers/import", map[string]any{
		"subscribers": []map[string]any{{"email": "not-an-email"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestImportRateLimit(t *testing.T) {
	a := newTestAPI(t)
	body := map[string]any{"subscribers": []map[string]any{{"email": "ada@example.com"}}}

	for i := 0; i < 3; i++ {
		status, _ := a.do(http.MethodPost, "/api/v1/subscribers/import", body)
		assert.Equal(t, http.StatusCreated, status)
	}
	status, _ := a.do(http.MethodPost, "/api/v1/subscribers/import", body)
	assert.Equal(t, http.StatusTooManyRequests, status)

	// limits are per owner
	status, _ = a.doAs(tokenFor(t, owner+1), http.MethodPost, "/api/v1/subscribers/import", body)
	assert.Equal(t, http.StatusCreated, status)
}

func TestUnsubscribe(t *testing.T) {
	a := newTestAPI(t)
	seq := a.createActiveSequence()
	sub := &models.Subscriber{UserID: owner, Email: "ada@example.com"}
	a.store.AddSubscriber(sub)
	a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/enroll", map[string]any{"subscriber_id": sub.ID})

	status, env := a.do(http.MethodPost, "/api/v1/subscribers/"+itoa(sub.ID)+"/unsubscribe", nil)
	require.Equal(t, http.StatusOK, status, env.Details)
	assert.JSONEq(t, `{"exited":1}`, string(env.Data))

	suppressed, err := a.store.IsSuppressed(context.Background(), owner, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)

	status, _ = a.doAs(tokenFor(t, owner+1), http.MethodPost, "/api/v1/subscribers/"+itoa(sub.ID)+"/unsubscribe", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandleEvent(t *testing.T) {
	a := newTestAPI(t)
	status, env := a.do(http.MethodPost, "/api/v1/sequences", map[string]any{
		"name":           "Tagged",
		"trigger_type":   "tag_added",
		"trigger_config": map[string]any{"tag": "vip"},
		"steps":          []map[string]any{{"type": "wait", "config": map[string]any{"duration": 1, "unit": "hours"}}},
	})
	require.Equal(t, http.StatusCreated, status)
	seq := decode[models.Sequence](t, env)
	a.do(http.MethodPost, "/api/v1/sequences/"+itoa(seq.ID)+"/activate", nil)

	sub := &models.Subscriber{UserID: owner, Email: "ada@example.com"}
	a.store.AddSubscriber(sub)

	status, env = a.do(http.MethodPost, "/api/v1/events", map[string]any{
		"subscriber_id": sub.ID,
		"type":          "tag_added",
		"tag":           "vip",
	})
	require.Equal(t, http.StatusOK, status, env.Details)
	res := decode[sequence.EventResult](t, env)
	assert.Equal(t, 1, res.Matched)

	status, _ = a.do(http.MethodPost, "/api/v1/events", map[string]any{"subscriber_id": sub.ID, "type": "manual"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(http.MethodPost, "/api/v1/events", map[string]any{"subscriber_id": sub.ID, "type": "teleport"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProviders(t *testing.T) {
	a := newTestAPI(t)

	status, env := a.do(http.MethodPost, "/api/v1/providers", map[string]any{
		"name":          "primary",
		"from_email":    "news@acme.test",
		"from_name":     "Acme",
		"provider_type": "smtp",
		"smtp_host":     "smtp.acme.test",
		"smtp_port":     587,
		"smtp_username": "news",
		"smtp_password": "hunter2",
		"encryption":    "tls",
	})
	require.Equal(t, http.StatusCreated, status, env.Details)
	created := decode[models.SendingProvider](t, env)
	assert.True(t, created.IsActive)

	stored, err := a.store.GetProvider(context.Background(), created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", stored.SMTPPassword)
	plain, err := utils.Decrypt(testSecret, stored.SMTPPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	status, env = a.do(http.MethodPut, "/api/v1/providers/"+itoa(created.ID), map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decode[models.SendingProvider](t, env).IsActive)

	status, env = a.do(http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.SendingProvider](t, env), 1)

	status, _ = a.doAs(tokenFor(t, owner+1), http.MethodPut, "/api/v1/providers/"+itoa(created.ID), map[string]any{"is_active": true})
	assert.Equal(t, http.StatusNotFound, status)
}
