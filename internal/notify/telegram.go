package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
)

const (
	DefaultTelegramBaseURL = "https://api.telegram.org"
	DefaultTelegramTimeout = 10 * time.Second
)

// Store is what the Telegram sink reads and writes.
type Store interface {
	GetSettings(ctx context.Context, owner string) (models.Settings, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	ListBots(ctx context.Context, owner string) ([]models.TelegramBot, error)
	TouchBot(ctx context.Context, id string) error
}

// SendError carries an operator-facing explanation of a failed send.
type SendError struct {
	Status      int
	Description string
	Message     string
}

func (e *SendError) Error() string { return e.Message }

// Telegram delivers messages through the Bot API.
type Telegram struct {
	store   Store
	http    *resty.Client
	baseURL string
	log     *logger.Logger
	now     func() time.Time
}

func NewTelegram(st Store, baseURL string, timeout time.Duration, log *logger.Logger) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTelegramTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Telegram{
		store:   st,
		http:    resty.New().SetTimeout(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
		now:     time.Now,
	}
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send posts text to the bot's chat and stamps last_notification_at on success.
func (t *Telegram) Send(ctx context.Context, bot models.TelegramBot, text string) error {
	var reply telegramReply
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    bot.ChatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		SetResult(&reply).
		SetError(&reply).
		Post(fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, bot.Token))
	if err != nil {
		t.log.WithError(err).WithField("bot_id", bot.ID).Error("failed to connect to Telegram API")
		return &SendError{Message: "Connection error: Unable to reach Telegram servers. Please check your internet connection."}
	}
	if resp.IsSuccess() {
		if err := t.store.TouchBot(ctx, bot.ID); err != nil {
			t.log.WithError(err).WithField("bot_id", bot.ID).Warn("touch bot failed")
		}
		return nil
	}

	t.log.WithFields(logger.Fields{
		"bot_id": bot.ID,
		"status": resp.StatusCode(),
		"reply":  reply.Description,
	}).Error("Telegram API error")
	return &SendError{
		Status:      resp.StatusCode(),
		Description: reply.Description,
		Message:     describe(reply.Description),
	}
}

func describe(desc string) string {
	switch {
	case strings.Contains(desc, "chat not found"):
		return "Chat ID not found. Please verify your Chat ID is correct."
	case strings.Contains(desc, "bot was blocked"):
		return "Bot was blocked by the user. Please unblock the bot in Telegram."
	case strings.Contains(desc, "Unauthorized"):
		return "Invalid Bot Token. Please verify your bot token is correct."
	case strings.Contains(desc, "Bad Request"):
		return "Invalid request. " + desc
	case desc == "":
		return "Unknown Telegram API error"
	}
	return desc
}

// Test sends the canned test message.
func (t *Telegram) Test(ctx context.Context, bot models.TelegramBot) error {
	return t.Send(ctx, bot, TestMessage(t.now()))
}

// Report summarises one fan-out.
type Report struct {
	Sent    int
	Failed  int
	Skipped bool
	Errors  []string
}

// Deliver formats job for event and sends it to every active bot of owner subscribed
// to event, unless the owner has notifications switched off.
func (t *Telegram) Deliver(ctx context.Context, owner, event string, job models.Job) (Report, error) {
	settings, err := t.store.GetSettings(ctx, owner)
	if err != nil {
		return Report{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.NotificationsEnabled {
		return Report{Skipped: true}, nil
	}
	bots, err := t.store.ListBots(ctx, owner)
	if err != nil {
		return Report{}, fmt.Errorf("list bots: %w", err)
	}

	var (
		rep  Report
		text string
	)
	for _, bot := range bots {
		if !bot.ShouldNotify(event) {
			continue
		}
		if text == "" {
			text = FormatMessage(event, JobData(job, t.accountTitle(ctx, job.AccountID), t.now()))
		}
		if err := t.Send(ctx, bot, text); err != nil {
			rep.Failed++
			name := bot.Name
			if name == "" {
				name = "Unnamed Bot"
			}
			rep.Errors = append(rep.Errors, name+": "+err.Error())
			continue
		}
		rep.Sent++
	}
	return rep, nil
}

func (t *Telegram) accountTitle(ctx context.Context, accountID string) string {
	a, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		return ""
	}
	return a.Title
}

var _ Sink = (*Telegram)(nil)

// AsSendError unwraps a *SendError.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	ok := errors.As(err, &se)
	return se, ok
}
