package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sekretar/pkg/ai"
	"sekretar/pkg/domain"
	"sekretar/pkg/store"
)

// Outcome is the terminal state of one buffer message.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeNoMatch Outcome = "no_match"
	OutcomeIgnored Outcome = "ignored"
	OutcomeFailed  Outcome = "failed"
)

// The general-discussion thread of a forum group. Telegram reports it as a
// missing thread id, 0, or 1 depending on client and update type.
func inBuffer(threadID int64) bool {
	return threadID == 0 || threadID == 1
}

const defaultConfirmationTTL = 10 * time.Minute

// Sender identifies the author of an incoming message.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// IncomingMessage is a transport-independent view of one group update.
type IncomingMessage struct {
	ChatID       int64
	ChatTitle    string
	IsForum      bool
	MessageID    int64
	ThreadID     int64
	Text         string
	Sender       Sender
	TopicCreated string // title from a forum_topic_created service message
}

// Gateway is the slice of the AI gateway the router needs.
type Gateway interface {
	Classify(ctx context.Context, text string, topics []domain.Topic) (ai.Classification, error)
	Render(ctx context.Context, text string, topic domain.Topic, brevity int) (domain.RenderedNote, error)
}

// GatewayFactory builds a gateway for the sender's AI settings.
type GatewayFactory func(settings domain.AISettings) Gateway

// Publisher performs the Telegram-visible side effects of routing a note.
type Publisher interface {
	PublishNote(ctx context.Context, chatID, threadID int64, html string) error
	Reply(ctx context.Context, chatID, replyToMessageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	OfferBindTopic(ctx context.Context, chatID, threadID int64, title string) error
}

// Config wires router dependencies.
type Config struct {
	Store           store.Store
	Publisher       Publisher
	Gateways        GatewayFactory
	ConfirmationTTL time.Duration
}

// App routes buffer messages into forum topics.
type App struct {
	store           store.Store
	publisher       Publisher
	gateways        GatewayFactory
	confirmationTTL time.Duration
}

// New constructs the router.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("router requires a store")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("router requires a publisher")
	}
	if cfg.Gateways == nil {
		return nil, errors.New("router requires a gateway factory")
	}
	ttl := cfg.ConfirmationTTL
	if ttl <= 0 {
		ttl = defaultConfirmationTTL
	}
	return &App{
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		gateways:        cfg.Gateways,
		confirmationTTL: ttl,
	}, nil
}

// HandleGroupMessage runs one group update through the routing pipeline.
// Messages inside topic threads only ensure the topic row exists; routing
// applies to the buffer (general) thread.
func (a *App) HandleGroupMessage(ctx context.Context, msg IncomingMessage) (Outcome, error) {
	if !inBuffer(msg.ThreadID) {
		return a.observeTopicMessage(ctx, msg)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" || strings.HasPrefix(text, "/") {
		return OutcomeIgnored, nil
	}

	user, err := a.store.GetOrCreateUser(msg.Sender.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("get or create user: %w", err)
	}
	group, err := a.store.GetOrCreateGroup(user.ID, msg.ChatID, msg.ChatTitle, msg.IsForum)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("get or create group: %w", err)
	}

	candidates, err := a.candidateTopics(group.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("list topics: %w", err)
	}
	if len(candidates) == 0 {
		_ = a.publisher.Reply(ctx, msg.ChatID, msg.MessageID,
			"No active topics are set up yet. Open a topic and describe it with /rules so I know what belongs there.")
		return OutcomeIgnored, nil
	}

	settings, err := a.store.GetAISettings(user.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load ai settings: %w", err)
	}
	gateway := a.gateways(settings)

	classification, err := gateway.Classify(ctx, text, candidates)
	if err != nil {
		slog.Error("classify failed", "chat_id", msg.ChatID, "err", err)
		_ = a.publisher.Reply(ctx, msg.ChatID, msg.MessageID,
			"I couldn't reach the AI service to sort this note. It stays here; try again in a minute.")
		return OutcomeFailed, err
	}

	best := classification.Best()
	if classification.NoMatch || best.TopicID == domain.NoTopicID {
		return a.handleNoMatch(ctx, msg, user, candidates, classification)
	}

	topic, ok := topicByThreadID(candidates, best.TopicID)
	if !ok {
		// Gateway validation guarantees this; treat defensively as no match.
		return a.handleNoMatch(ctx, msg, user, candidates, classification)
	}

	note, err := gateway.Render(ctx, text, topic, settings.BrevityLevel)
	if err != nil {
		slog.Error("render failed", "chat_id", msg.ChatID, "topic", topic.Title, "err", err)
		_ = a.publisher.Reply(ctx, msg.ChatID, msg.MessageID,
			fmt.Sprintf("Sorting picked «%s» but formatting the note failed. The original stays here.", topic.Title))
		return OutcomeFailed, err
	}

	body := RenderTemplate(topic.FormatPolicy, TemplateData{
		Note:      note,
		Message:   msg,
		Group:     group,
		Topic:     topic,
		Timestamp: time.Now(),
	})

	if err := a.publisher.PublishNote(ctx, msg.ChatID, topic.TelegramTopicID, body); err != nil {
		slog.Error("publish failed", "chat_id", msg.ChatID, "thread_id", topic.TelegramTopicID, "err", err)
		_ = a.publisher.Reply(ctx, msg.ChatID, msg.MessageID,
			fmt.Sprintf("I couldn't deliver this note into «%s». The original stays here.", topic.Title))
		return OutcomeFailed, err
	}

	// The note now lives in its topic; clear the buffer copy. Deletion is
	// best effort: the bot may lack the admin right.
	if err := a.publisher.DeleteMessage(ctx, msg.ChatID, msg.MessageID); err != nil {
		slog.Warn("delete buffer message failed", "chat_id", msg.ChatID, "message_id", msg.MessageID, "err", err)
	}
	return OutcomeDone, nil
}

func (a *App) handleNoMatch(ctx context.Context, msg IncomingMessage, user domain.User, candidates []domain.Topic, classification ai.Classification) (Outcome, error) {
	pc := domain.PendingConfirmation{
		UserID:          user.ID,
		SourceMessageID: msg.MessageID,
		Prepared:        domain.RenderedNote{Content: msg.Text, Tags: []string{}},
		Suggested:       classification.Candidates,
		ExpiresAt:       time.Now().UTC().Add(a.confirmationTTL),
	}
	if _, err := a.store.SavePendingConfirmation(pc); err != nil {
		slog.Warn("save pending confirmation failed", "chat_id", msg.ChatID, "err", err)
	}

	titles := make([]string, 0, len(candidates))
	for _, t := range candidates {
		titles = append(titles, "• "+t.Title)
	}
	_ = a.publisher.Reply(ctx, msg.ChatID, msg.MessageID, fmt.Sprintf(
		"I couldn't match «%s» to any topic. Current topics:\n%s\nRefine a topic's /rules or rephrase the note.",
		excerpt(msg.Text, 80), strings.Join(titles, "\n")))
	return OutcomeNoMatch, nil
}

// excerpt truncates the note text for quoting in replies.
func excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}

// observeTopicMessage keeps topic rows in sync with threads the bot sees.
// Unconfigured topics get a one-shot bind offer instead of classification.
func (a *App) observeTopicMessage(ctx context.Context, msg IncomingMessage) (Outcome, error) {
	user, err := a.store.GetOrCreateUser(msg.Sender.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("get or create user: %w", err)
	}
	group, err := a.store.GetOrCreateGroup(user.ID, msg.ChatID, msg.ChatTitle, msg.IsForum)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("get or create group: %w", err)
	}

	title := strings.TrimSpace(msg.TopicCreated)
	existing, found, err := a.store.GetTopic(group.ID, msg.ThreadID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("get topic: %w", err)
	}
	if found && (existing.Configured() || title == "") {
		return OutcomeIgnored, nil
	}

	topic, err := a.store.GetOrCreateTopic(group.ID, msg.ThreadID, title)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("get or create topic: %w", err)
	}
	if !topic.Configured() {
		if err := a.publisher.OfferBindTopic(ctx, msg.ChatID, msg.ThreadID, topic.Title); err != nil {
			slog.Warn("bind offer failed", "chat_id", msg.ChatID, "thread_id", msg.ThreadID, "err", err)
		}
	}
	return OutcomeIgnored, nil
}

// candidateTopics returns the group's active topics that carry a description.
// Topics without one cannot be classified against.
func (a *App) candidateTopics(groupID int64) ([]domain.Topic, error) {
	active, err := a.store.ListActiveTopics(groupID)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, t := range active {
		if t.Configured() {
			out = append(out, t)
		}
	}
	return out, nil
}

func topicByThreadID(topics []domain.Topic, threadID int64) (domain.Topic, bool) {
	for _, t := range topics {
		if t.TelegramTopicID == threadID {
			return t, true
		}
	}
	return domain.Topic{}, false
}
