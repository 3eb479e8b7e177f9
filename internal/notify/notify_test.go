package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/store/memory"
)

func TestFormatMessage(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rate := 12.5
	msg := FormatMessage(jobstate.EventJobFailed, Data{
		JobID:          "acc-1-job-1",
		AccountTitle:   "Main BM",
		Pattern:        "Acme-{number}",
		Total:          4,
		Processed:      1,
		Progress:       25,
		Duration:       "2m 3s",
		ItemsPerMinute: &rate,
		Error:          "Failed to create ad account 'Acme-2': <boom>",
		StartedAt:      &started,
		Timestamp:      started.Add(time.Hour),
	})

	assert.True(t, strings.HasPrefix(msg, "<b>❌ Job Failed</b>\n\n"))
	assert.Contains(t, msg, "🏢 <b>BM Account:</b> Main BM\n")
	assert.Contains(t, msg, "🆔 <b>Job ID:</b> acc-1-job-1\n")
	assert.Contains(t, msg, "🎯 <b>Total Accounts:</b> 4\n")
	assert.Contains(t, msg, "✔️ <b>Processed:</b> 1\n")
	assert.Contains(t, msg, "📈 <b>Progress:</b> 25%\n")
	assert.Contains(t, msg, "⚡ <b>Speed:</b> 12.5/min\n")
	assert.Contains(t, msg, "<code>Failed to create ad account &#39;Acme-2&#39;: &lt;boom&gt;</code>")
	assert.Contains(t, msg, "🚦 <b>Started At:</b> 2025-03-01 10:00:00\n")
	assert.NotContains(t, msg, "Completed At")
	assert.True(t, strings.HasSuffix(msg, "\n🕐 2025-03-01 11:00:00"))
}

func TestLabelFallback(t *testing.T) {
	assert.Equal(t, "📊 50% Progress", Label(jobstate.EventProgress50))
	assert.Equal(t, "📢 Notification", Label("something_else"))
}

type sentMessage struct {
	Token  string
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Mode   string `json:"parse_mode"`
}

type fakeTelegram struct {
	mu   sync.Mutex
	sent []sentMessage
	srv  *httptest.Server
}

func newFakeTelegram(t *testing.T) *fakeTelegram {
	t.Helper()
	f := &fakeTelegram{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /bot<token>/sendMessage
		token := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/bot"), "/sendMessage")
		var m sentMessage
		_ = json.NewDecoder(r.Body).Decode(&m)
		m.Token = token
		w.Header().Set("Content-Type", "application/json")
		switch token {
		case "bad-token":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		case "lost-chat":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, m)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTelegram) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func seed(t *testing.T, st *memory.Store) models.Job {
	t.Helper()
	ctx := context.Background()
	a, err := st.CreateAccount(ctx, store.CreateAccountParams{Owner: "owner-1", Title: "Main BM", BusinessID: "1", AccessToken: "t"})
	require.NoError(t, err)
	j, err := st.CreateJob(ctx, store.CreateJobParams{AccountID: a.ID, Owner: "owner-1", Pattern: "Acme-{number}", StartingNumber: 1, Total: 4, Currency: "USD", TimezoneID: 1})
	require.NoError(t, err)
	return j
}

func addBot(t *testing.T, st *memory.Store, name, token string, active bool, events ...string) models.TelegramBot {
	t.Helper()
	b, err := st.CreateBot(context.Background(), models.TelegramBot{
		Owner: "owner-1", Name: name, Token: token, ChatID: "chat-" + name, Events: events, Active: active,
	})
	require.NoError(t, err)
	return b
}

func TestTelegramDeliverFiltersBots(t *testing.T) {
	ctx := context.Background()
	tg := newFakeTelegram(t)
	st := memory.New()
	job := seed(t, st)

	addBot(t, st, "subscribed", "tok-a", true, jobstate.EventJobStarted, jobstate.EventJobFailed)
	addBot(t, st, "other-event", "tok-b", true, jobstate.EventJobCompleted)
	addBot(t, st, "inactive", "tok-c", false, jobstate.EventJobStarted)
	broken := addBot(t, st, "broken", "bad-token", true, jobstate.EventJobStarted)

	sink := NewTelegram(st, tg.srv.URL, time.Second, nil)
	rep, err := sink.Deliver(ctx, "owner-1", jobstate.EventJobStarted, job)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "broken: Invalid Bot Token. Please verify your bot token is correct.", rep.Errors[0])

	msgs := tg.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tok-a", msgs[0].Token)
	assert.Equal(t, "chat-subscribed", msgs[0].ChatID)
	assert.Equal(t, "HTML", msgs[0].Mode)
	assert.Contains(t, msgs[0].Text, "🚀 Job Started")
	assert.Contains(t, msgs[0].Text, "Main BM")

	bots, err := st.ListBots(ctx, "owner-1")
	require.NoError(t, err)
	for _, b := range bots {
		if b.Name == "subscribed" {
			assert.NotNil(t, b.LastNotificationAt)
		}
		if b.ID == broken.ID {
			assert.Nil(t, b.LastNotificationAt)
		}
	}
}

func TestTelegramDeliverSkipsWhenDisabled(t *testing.T) {
	ctx := context.Background()
	tg := newFakeTelegram(t)
	st := memory.New()
	job := seed(t, st)
	addBot(t, st, "subscribed", "tok-a", true, jobstate.EventJobStarted)

	settings := models.DefaultSettings("owner-1")
	settings.NotificationsEnabled = false
	_, err := st.SaveSettings(ctx, settings)
	require.NoError(t, err)

	rep, err := NewTelegram(st, tg.srv.URL, time.Second, nil).Deliver(ctx, "owner-1", jobstate.EventJobStarted, job)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Empty(t, tg.messages())
}

func TestTelegramTestAndErrors(t *testing.T) {
	ctx := context.Background()
	tg := newFakeTelegram(t)
	st := memory.New()
	sink := NewTelegram(st, tg.srv.URL, time.Second, nil)

	ok := addBot(t, st, "ok", "tok-a", true)
	require.NoError(t, sink.Test(ctx, ok))
	msgs := tg.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "🧪 <b>Test Notification</b>")
	assert.Contains(t, msgs[0].Text, "Your Telegram bot is configured correctly! ✅")

	lost := addBot(t, st, "lost", "lost-chat", true)
	err := sink.Test(ctx, lost)
	se, isSend := AsSendError(err)
	require.True(t, isSend)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "Chat ID not found. Please verify your Chat ID is correct.", se.Message)
}

type recordingSink struct {
	mu      sync.Mutex
	events  []string
	release chan struct{}
}

func (r *recordingSink) Deliver(_ context.Context, _ string, event string, _ models.Job) (Report, error) {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return Report{Sent: 1}, nil
}

func TestAsyncDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, 10, nil)
	a.Notify("o", jobstate.EventJobStarted, models.Job{})
	a.Notify("o", jobstate.EventProgress25, models.Job{})
	a.Notify("o", jobstate.EventJobCompleted, models.Job{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, []string{jobstate.EventJobStarted, jobstate.EventProgress25, jobstate.EventJobCompleted}, sink.events)

	// Closed notifier ignores new events.
	a.Notify("o", jobstate.EventJobFailed, models.Job{})
}

func TestAsyncDropsWhenFull(t *testing.T) {
	sink := &recordingSink{release: make(chan struct{})}
	a := NewAsync(sink, 1, nil)

	done := make(chan struct{})
	go func() {
		// One in delivery, one buffered, the rest dropped; none may block.
		for i := 0; i < 10; i++ {
			a.Notify("o", jobstate.EventJobStarted, models.Job{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.LessOrEqual(t, len(sink.events), 2)
	assert.GreaterOrEqual(t, len(sink.events), 1)
}
