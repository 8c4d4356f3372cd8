package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"sekretar/pkg/queue"
	"sekretar/pkg/storage"
	"sekretar/pkg/store"
	"sekretar/services/bot/internal/app"
)

// Router is the note-routing side the transport hands messages to.
type Router interface {
	HandleGroupMessage(ctx context.Context, msg app.IncomingMessage) (app.Outcome, error)
}

// Config wires the Telegram transport.
type Config struct {
	Token     string
	WebAppURL string
	Store     store.Store
	Sessions  *SessionStore
	Objects   storage.ObjectStore
	Queue     *queue.RedisTaskQueue
}

// Bot is the Telegram-facing process: long poller, command handlers, and the
// publisher side of the note router.
type Bot struct {
	api       *tele.Bot
	store     store.Store
	router    Router
	sessions  *SessionStore
	objects   storage.ObjectStore
	queue     *queue.RedisTaskQueue
	webAppURL string
}

// New connects to Telegram and registers handlers. The router is attached
// afterwards with SetRouter, since it publishes through this bot.
func New(cfg Config) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot token required")
	}
	if cfg.Store == nil || cfg.Sessions == nil {
		return nil, errors.New("bot requires store and sessions")
	}
	api, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{
		api:       api,
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		objects:   cfg.Objects,
		queue:     cfg.Queue,
		webAppURL: cfg.WebAppURL,
	}
	b.register()
	return b, nil
}

// SetRouter attaches the note router. Must be called before Start.
func (b *Bot) SetRouter(router Router) {
	b.router = router
}

// Publisher returns the router-facing side of this transport.
func (b *Bot) Publisher() app.Publisher {
	return &telegramPublisher{api: b.api}
}

// ChatInfo fetches the live title and forum flag of a chat.
func (b *Bot) ChatInfo(chatID int64) (string, bool, error) {
	chat, err := b.api.ChatByID(chatID)
	if err != nil {
		return "", false, err
	}
	return chat.Title, chat.IsForum, nil
}

// Start blocks polling updates until ctx is canceled.
func (b *Bot) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.api.Stop()
	}()
	b.api.Start()
}

func (b *Bot) register() {
	b.api.Handle("/start", b.handleStart)
	b.api.Handle("/help", b.handleHelp)
	b.api.Handle("/settings", b.handleSettings)
	b.api.Handle("/info", b.handleInfo)
	b.api.Handle("/rules", b.handleRules)
	b.api.Handle("/format", b.handleFormat)

	b.api.Handle(tele.OnText, b.handleText)
	b.api.Handle(tele.OnVoice, b.handleVoice)
	b.api.Handle(tele.OnDocument, b.handleDocument)
	b.api.Handle(tele.OnTopicCreated, b.handleTopicCreated)

	b.api.Handle(&btnBindTopic, b.handleBindTopic)
	b.api.Handle(&btnCancelDialog, b.handleCancelDialog)
	b.api.Handle(&btnCloseMessage, b.handleCloseMessage)
}

func isGroupChat(chat *tele.Chat) bool {
	return chat != nil && (chat.Type == tele.ChatGroup || chat.Type == tele.ChatSuperGroup)
}

func incomingFromContext(c tele.Context) app.IncomingMessage {
	m := c.Message()
	msg := app.IncomingMessage{
		ChatID:    m.Chat.ID,
		ChatTitle: m.Chat.Title,
		IsForum:   m.Chat.IsForum,
		MessageID: int64(m.ID),
		ThreadID:  int64(m.ThreadID),
		Text:      m.Text,
	}
	if m.Sender != nil {
		msg.Sender = app.Sender{
			ID:        m.Sender.ID,
			Username:  m.Sender.Username,
			FirstName: m.Sender.FirstName,
			LastName:  m.Sender.LastName,
		}
	}
	if m.TopicCreated != nil {
		msg.TopicCreated = m.TopicCreated.Name
	}
	return msg
}
