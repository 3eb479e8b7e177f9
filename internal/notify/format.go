package notify

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

var eventLabels = map[string]string{
	jobstate.EventJobStarted:   "🚀 Job Started",
	jobstate.EventJobCompleted: "✅ Job Completed",
	jobstate.EventJobFailed:    "❌ Job Failed",
	jobstate.EventJobPaused:    "⏸️ Job Paused",
	jobstate.EventJobResumed:   "▶️ Job Resumed",
	jobstate.EventProgress25:   "📊 25% Progress",
	jobstate.EventProgress50:   "📊 50% Progress",
	jobstate.EventProgress75:   "📊 75% Progress",
	jobstate.EventSystemErrors: "⚠️ System Error",
}

// Label is the human title for event.
func Label(event string) string {
	if l, ok := eventLabels[event]; ok {
		return l
	}
	return "📢 Notification"
}

// Data is what a job message shows. Zero values are omitted.
type Data struct {
	JobID          string
	AccountTitle   string
	Pattern        string
	Total          int
	Processed      int
	Progress       float64
	Duration       string
	ItemsPerMinute *float64
	Error          string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Timestamp      time.Time
}

// JobData snapshots job for a message.
func JobData(job models.Job, accountTitle string, now time.Time) Data {
	if accountTitle == "" {
		accountTitle = "Unknown"
	}
	d := Data{
		JobID:          job.AccountID + "-" + job.ID,
		AccountTitle:   accountTitle,
		Pattern:        job.Pattern,
		Total:          job.Total,
		Processed:      job.Processed,
		Progress:       job.Progress(),
		Duration:       job.FormattedRunningTime(),
		ItemsPerMinute: job.ItemsPerMinute,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		Timestamp:      now,
	}
	if job.ErrorMessage != nil {
		d.Error = *job.ErrorMessage
	}
	return d
}

// FormatMessage renders an HTML Telegram message for event.
func FormatMessage(event string, d Data) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n\n", Label(event))

	line := func(icon, label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s <b>%s:</b> %s\n", icon, label, html.EscapeString(value))
		}
	}
	line("🏢", "BM Account", d.AccountTitle)
	line("🆔", "Job ID", d.JobID)
	line("📝", "Pattern", d.Pattern)
	if d.Total > 0 {
		line("🎯", "Total Accounts", strconv.Itoa(d.Total))
		line("✔️", "Processed", strconv.Itoa(d.Processed))
		line("📈", "Progress", strconv.FormatFloat(d.Progress, 'f', -1, 64)+"%")
	}
	line("⏱️", "Duration", d.Duration)
	if d.ItemsPerMinute != nil {
		line("⚡", "Speed", strconv.FormatFloat(*d.ItemsPerMinute, 'f', -1, 64)+"/min")
	}
	if d.Error != "" {
		fmt.Fprintf(&b, "\n<b>Error:</b>\n<code>%s</code>\n", html.EscapeString(d.Error))
	}
	if d.StartedAt != nil {
		line("🚦", "Started At", d.StartedAt.Format(timeLayout))
	}
	if d.CompletedAt != nil {
		line("🏁", "Completed At", d.CompletedAt.Format(timeLayout))
	}

	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "\n🕐 %s", ts.Format(timeLayout))
	return b.String()
}

// TestMessage is sent by the bot test command.
func TestMessage(now time.Time) string {
	return "🧪 <b>Test Notification</b>\n\n" +
		"This is a test message from your AdAccount Generator.\n" +
		"Your Telegram bot is configured correctly! ✅\n\n" +
		"🕐 " + now.Format(timeLayout)
}
