package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaccount-provisioner/internal/dispatch"
	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/proxy"
	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/store/memory"
)

type fakeQueue struct {
	mu        sync.Mutex
	ids       []string
	cancelled []string
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return true, nil
}

func (q *fakeQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Notify(_, event string, _ models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type fakeProxies struct {
	st     *memory.Store
	result bool
}

func (f *fakeProxies) Validate(ctx context.Context, p models.Proxy) bool {
	_ = f.st.SetProxyValidation(ctx, p.ID, f.result, "probe said no")
	return f.result
}

func (f *fakeProxies) ValidateAll(ctx context.Context, owner string) (proxy.Summary, error) {
	list, _ := f.st.ListProxies(ctx, owner)
	sum := proxy.Summary{Total: len(list)}
	for _, p := range list {
		if f.Validate(ctx, p) {
			sum.Validated++
		} else {
			sum.Failed++
		}
	}
	return sum, nil
}

type fakeBots struct{ tested []string }

func (f *fakeBots) Test(_ context.Context, b models.TelegramBot) error {
	f.tested = append(f.tested, b.ID)
	return nil
}

type fixture struct {
	svc     *Service
	st      *memory.Store
	queue   *fakeQueue
	events  *recorder
	account models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	f := &fixture{st: st, queue: &fakeQueue{}, events: &recorder{}}
	lanes := dispatch.New(st, f.queue, f.events, nil)
	f.svc = New(st, lanes, Limits{MaxItemsPerJob: 100}, nil,
		WithNotifier(f.events),
		WithProxies(&fakeProxies{st: st, result: true}),
		WithBotTester(&fakeBots{}),
	)
	a, err := f.svc.CreateAccount(context.Background(), "alice", AccountInput{Title: "Main", BusinessID: "1234", AccessToken: "tok"})
	require.NoError(t, err)
	f.account = a
	return f
}

func (f *fixture) createJob(t *testing.T, total int) JobResult {
	t.Helper()
	res, err := f.svc.CreateJob(context.Background(), "alice", JobInput{AccountID: f.account.ID, Pattern: "A-{number}", Total: total})
	require.NoError(t, err)
	return res
}

func TestCreateJobDispatchesOrQueues(t *testing.T) {
	f := newFixture(t)

	first := f.createJob(t, 3)
	assert.False(t, first.Queued)
	assert.Equal(t, models.StatusProcessing, first.Job.Status)
	assert.Equal(t, 1, first.Job.StartingNumber)
	assert.Equal(t, "USD", first.Job.Currency)
	assert.Equal(t, 1, first.Job.TimezoneID)

	second := f.createJob(t, 2)
	assert.True(t, second.Queued)
	assert.Equal(t, models.StatusPending, second.Job.Status)
	assert.Equal(t, []string{first.Job.ID}, f.queue.ids)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]JobInput{
		"account_id":      {Total: 1},
		"total":           {AccountID: f.account.ID, Total: 101},
		"starting_number": {AccountID: f.account.ID, Total: 1, StartingNumber: -2},
		"currency":        {AccountID: f.account.ID, Total: 1, Currency: "XXX"},
		"timezone_id":     {AccountID: f.account.ID, Total: 1, TimezoneID: 999},
		"pattern":         {AccountID: f.account.ID, Total: 3, Pattern: "Shop"},
	}
	for field, in := range cases {
		_, err := f.svc.CreateJob(ctx, "alice", in)
		var v *ValidationError
		require.ErrorAs(t, err, &v, field)
		assert.Equal(t, field, v.Field)
	}

	_, err := f.svc.CreateJob(ctx, "mallory", JobInput{AccountID: f.account.ID, Total: 1})
	assert.ErrorIs(t, err, store.ErrNotFound, "another owner's lane is invisible")
}

func TestCreateJobFixedNameAllowedForSingleItem(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateJob(context.Background(), "alice", JobInput{AccountID: f.account.ID, Pattern: "Shop", Total: 1})
	require.NoError(t, err)
	assert.Equal(t, "Shop", res.Job.ItemName(0))

	res, err = f.svc.CreateJob(context.Background(), "alice", JobInput{AccountID: f.account.ID, Total: 5})
	require.NoError(t, err, "an empty pattern falls back to a numbered default")
	assert.Equal(t, 5, res.Job.Total)
}

func TestOwnerScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createJob(t, 1)

	_, err := f.svc.GetJob(ctx, "mallory", res.Job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.PauseJob(ctx, "mallory", res.Job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteJob(ctx, "mallory", res.Job.ID), store.ErrNotFound)

	jobs, err := f.svc.ListJobs(ctx, "mallory", store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	jobs, err = f.svc.ListJobs(ctx, "alice", store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestPauseResumeRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createJob(t, 3)
	second := f.createJob(t, 3)

	_, err := f.svc.PauseJob(ctx, "alice", second.Job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "only a processing job can be paused")

	paused, err := f.svc.PauseJob(ctx, "alice", first.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.Contains(t, f.events.events, jobstate.EventJobPaused)

	// The runner would advance the lane on observing the pause.
	_, ok, err := dispatch.New(f.st, f.queue, nil, nil).DispatchNext(ctx, f.account.ID)
	require.NoError(t, err)
	require.True(t, ok)

	resumed, err := f.svc.ResumeJob(ctx, "alice", first.Job.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Queued, "lane is busy with the second job")
	assert.Equal(t, models.StatusPending, resumed.Job.Status)

	_, _, err = f.st.TransitionJob(ctx, second.Job.ID, models.StatusFailed, "boom")
	require.NoError(t, err)
	_, err = f.svc.RetryJob(ctx, "alice", first.Job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	retried, err := f.svc.RetryJob(ctx, "alice", second.Job.ID)
	require.NoError(t, err)
	assert.False(t, retried.Queued)
	assert.Equal(t, models.StatusProcessing, retried.Job.Status)
	assert.Nil(t, retried.Job.ErrorMessage)
}

func TestResumeWithFreeLaneStartsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createJob(t, 2)
	_, err := f.svc.PauseJob(ctx, "alice", res.Job.ID)
	require.NoError(t, err)

	resumed, err := f.svc.ResumeJob(ctx, "alice", res.Job.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Queued)
	assert.Equal(t, models.StatusProcessing, resumed.Job.Status)
	assert.NotNil(t, resumed.Job.ResumedAt)
}

func TestDeleteProcessingJobAdvancesLane(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createJob(t, 2)
	second := f.createJob(t, 2)

	require.NoError(t, f.svc.DeleteJob(ctx, "alice", first.Job.ID))

	deleted, err := f.st.GetJob(ctx, first.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, deleted.Status)
	assert.NotNil(t, deleted.DeletedAt)

	next, err := f.st.GetJob(ctx, second.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, next.Status)
	assert.Equal(t, []string{first.Job.ID}, f.queue.cancelled, "the deleted job leaves the run queue")
	assert.Equal(t, []string{first.Job.ID, second.Job.ID}, f.queue.ids)

	visible, err := f.svc.ListJobs(ctx, "alice", store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	restored, err := f.svc.RestoreJob(ctx, "alice", first.Job.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
	assert.Equal(t, models.StatusPaused, restored.Status)
}

func TestDeleteAccountCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.createJob(t, 2)
	waiting := f.createJob(t, 2)

	require.NoError(t, f.svc.DeleteAccount(ctx, "alice", f.account.ID))

	for _, id := range []string{running.Job.ID, waiting.Job.ID} {
		j, err := f.st.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPaused, j.Status)
		assert.NotNil(t, j.DeletedAt)
	}
	assert.ElementsMatch(t, []string{running.Job.ID, waiting.Job.ID}, f.queue.cancelled)
	accounts, err := f.svc.ListAccounts(ctx, "alice", false)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	_, err = f.svc.CreateJob(ctx, "alice", JobInput{AccountID: f.account.ID, Total: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)

	restored, err := f.svc.RestoreAccount(ctx, "alice", f.account.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
	j, err := f.st.GetJob(ctx, running.Job.ID)
	require.NoError(t, err)
	assert.Nil(t, j.DeletedAt)
}

func TestAccountValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateAccount(context.Background(), "alice", AccountInput{Title: "x", BusinessID: "12ab", AccessToken: "t"})
	assert.True(t, IsValidation(err))
	_, err = f.svc.GetAccount(context.Background(), "mallory", f.account.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProxyImportAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateProxy(ctx, "alice", ProxyInput{Host: "10.0.0.1", Port: 3128})
	require.NoError(t, err)
	_, err = f.svc.CreateProxy(ctx, "alice", ProxyInput{Protocol: "ftp", Host: "h", Port: 1})
	assert.True(t, IsValidation(err))

	rep, err := f.svc.ImportProxies(ctx, "alice", "http://10.0.0.1:3128\nsocks5://u:p@10.0.0.2:1080\nnot a proxy\n\nhttps://10.0.0.3\n")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Imported)
	assert.Equal(t, 2, rep.Skipped, "one duplicate and one unparsable line")

	list, err := f.svc.ListProxies(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, p := range list {
		assert.False(t, p.Validated)
	}

	updated, ok, err := f.svc.ValidateProxy(ctx, "alice", list[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, updated.Validated)
	assert.NotNil(t, updated.LastValidatedAt)

	sum, err := f.svc.ValidateAllProxies(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, proxy.Summary{Total: 3, Validated: 3}, sum)

	_, _, err = f.svc.ValidateProxy(ctx, "mallory", list[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, f.svc.DeleteProxy(ctx, "alice", list[0].ID))
	_, err = f.st.GetProxy(ctx, list[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSettingsPartialUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.GetSettings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings("alice").RotationPolicy, s.RotationPolicy)

	on := true
	policy := models.RotationSequential
	s, err = f.svc.UpdateSettings(ctx, "alice", SettingsInput{ProxyEnabled: &on, RotationPolicy: &policy})
	require.NoError(t, err)
	assert.True(t, s.ProxyEnabled)
	assert.Equal(t, models.RotationSequential, s.RotationPolicy)
	assert.True(t, s.NotificationsEnabled)

	bad := "fastest"
	_, err = f.svc.UpdateSettings(ctx, "alice", SettingsInput{RotationPolicy: &bad})
	assert.True(t, IsValidation(err))
}

func TestBots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.CreateBot(ctx, "alice", BotInput{Name: "ops", Token: "123:abc", ChatID: "-100"})
	require.NoError(t, err)
	assert.Equal(t, jobstate.Events, b.Events)
	assert.True(t, b.Active)

	_, err = f.svc.CreateBot(ctx, "alice", BotInput{Name: "x", Token: "t", ChatID: "c", Events: []string{"job_exploded"}})
	assert.True(t, IsValidation(err))

	require.NoError(t, f.svc.TestBot(ctx, "alice", b.ID))
	assert.ErrorIs(t, f.svc.TestBot(ctx, "mallory", b.ID), store.ErrNotFound)

	require.NoError(t, f.svc.DeleteBot(ctx, "alice", b.ID))
	bots, err := f.svc.ListBots(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, bots)
}

func TestUnconfiguredCollaborators(t *testing.T) {
	st := memory.New()
	svc := New(st, dispatch.New(st, &fakeQueue{}, nil, nil), Limits{}, nil)
	_, err := svc.ValidateAllProxies(context.Background(), "alice")
	assert.True(t, errors.Is(err, errNoProxyPool))
}
