package bot

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"sekretar/internal/util"
	"sekretar/pkg/domain"
	"sekretar/pkg/queue"
	"sekretar/pkg/store"
	"sekretar/services/bot/internal/app"
)

const helpText = `I sort free-form notes from the General thread into this group's topics.

Group commands:
/info — group status, or topic details inside a thread
/rules [text] — describe what belongs in the current topic
/format [text] — set the note template for the current topic

Write a note in General and I'll classify, format and file it.
Voice messages are transcribed in the background.`

func (b *Bot) handleStart(c tele.Context) error {
	if isGroupChat(c.Chat()) {
		return b.handleInfo(c)
	}
	if _, err := b.store.GetOrCreateUser(c.Sender().ID); err != nil {
		slog.Error("start: get or create user", "err", err)
	}
	text := "Hi! Add me to a forum group and I'll sort notes into its topics.\n\n" + helpText
	if b.webAppURL != "" {
		return c.Send(text, webAppMarkup("Open settings", b.webAppURL))
	}
	return c.Send(text)
}

func (b *Bot) handleHelp(c tele.Context) error {
	return c.Send(helpText)
}

func (b *Bot) handleSettings(c tele.Context) error {
	if isGroupChat(c.Chat()) {
		return c.Send("Open settings in a private chat with me.")
	}
	if b.webAppURL == "" {
		return c.Send("The settings panel isn't configured on this instance.")
	}
	return c.Send("Topic descriptions, templates and AI settings:", webAppMarkup("Open settings", b.webAppURL))
}

// handleInfo shows group status in the buffer and topic details in a thread.
// In an unconfigured topic it starts the description dialog instead.
func (b *Bot) handleInfo(c tele.Context) error {
	if !isGroupChat(c.Chat()) {
		return c.Send("Use /info inside your group.")
	}
	defer b.deleteCommand(c)
	ctx := context.Background()

	group, err := b.ensureGroup(c)
	if err != nil {
		return c.Send("Something went wrong loading this group.")
	}
	threadID := int64(c.Message().ThreadID)

	if threadID == 0 || threadID == 1 {
		topics, err := b.store.ListTopics(group.ID)
		if err != nil {
			return c.Send("Something went wrong loading topics.")
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "<b>%s</b>\n", group.Title)
		if !group.TopicsEnabled {
			sb.WriteString("⚠ Topics are disabled in this group; enable forum topics to sort notes.\n")
		}
		if len(topics) == 0 {
			sb.WriteString("No topics seen yet. Create a forum topic and describe it with /rules.")
		} else {
			sb.WriteString("Topics:\n")
			for _, t := range topics {
				marker := "◻"
				switch {
				case !t.Active:
					marker = "🚫"
				case t.Configured():
					marker = "✅"
				}
				fmt.Fprintf(&sb, "%s %s\n", marker, t.Title)
			}
			sb.WriteString("\n✅ described · ◻ needs /rules · 🚫 disabled")
		}
		_, err = c.Bot().Send(c.Chat(), sb.String(), closeOnlyMarkup(), &tele.SendOptions{ParseMode: tele.ModeHTML})
		return err
	}

	topic, err := b.store.GetOrCreateTopic(group.ID, threadID, "")
	if err != nil {
		return c.Send("Something went wrong loading this topic.")
	}
	if !topic.Configured() {
		return b.startDialog(ctx, c, topic, StateAwaitingRules,
			"Describe what belongs in this topic in one message. I'll use it to sort notes.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>%s</b>\n\nRules: %s\n", topic.Title, topic.Description)
	if topic.FormatPolicy != "" {
		fmt.Fprintf(&sb, "Template:\n<code>%s</code>\n", topic.FormatPolicy)
	} else {
		sb.WriteString("Template: default\n")
	}
	_, err = c.Bot().Send(c.Chat(), sb.String(), closeOnlyMarkup(), &tele.SendOptions{
		ParseMode: tele.ModeHTML,
		ThreadID:  int(threadID),
	})
	return err
}

func (b *Bot) handleRules(c tele.Context) error {
	return b.handleTopicField(c, StateAwaitingRules,
		"Send one message describing what belongs in this topic.",
		func(topic domain.Topic, value string) store.TopicUpdate {
			return store.TopicUpdate{Description: &value}
		})
}

func (b *Bot) handleFormat(c tele.Context) error {
	prompt := "Send the note template for this topic. Placeholders:\n" +
		strings.Join(app.TemplatePlaceholders, " ")
	return b.handleTopicField(c, StateAwaitingFormat, prompt,
		func(topic domain.Topic, value string) store.TopicUpdate {
			return store.TopicUpdate{FormatPolicy: &value}
		})
}

func (b *Bot) handleTopicField(c tele.Context, state, prompt string, update func(domain.Topic, string) store.TopicUpdate) error {
	if !isGroupChat(c.Chat()) {
		return c.Send("Use this command inside a topic thread.")
	}
	defer b.deleteCommand(c)
	ctx := context.Background()

	group, err := b.ensureGroup(c)
	if err != nil {
		return c.Send("Something went wrong loading this group.")
	}
	threadID := int64(c.Message().ThreadID)
	if threadID == 0 || threadID == 1 {
		return b.sendInThread(c, 0, "This command works inside a topic thread, not in General.")
	}
	topic, err := b.store.GetOrCreateTopic(group.ID, threadID, "")
	if err != nil {
		return c.Send("Something went wrong loading this topic.")
	}

	if payload := strings.TrimSpace(c.Message().Payload); payload != "" {
		if _, err := b.store.UpdateTopic(topic.ID, update(topic, payload)); err != nil {
			return b.sendInThread(c, threadID, "Saving failed, try again.")
		}
		return b.sendInThread(c, threadID, "Saved.")
	}
	return b.startDialog(ctx, c, topic, state, prompt)
}

// startDialog sends a prompt with a cancel keyboard and records the session.
func (b *Bot) startDialog(ctx context.Context, c tele.Context, topic domain.Topic, state, prompt string) error {
	threadID := int64(c.Message().ThreadID)
	msg, err := c.Bot().Send(c.Chat(), prompt, cancelMarkup(), &tele.SendOptions{ThreadID: int(threadID)})
	if err != nil {
		return err
	}
	session := Session{State: state, TopicID: topic.ID, PromptID: int64(msg.ID)}
	if err := b.sessions.Set(ctx, c.Chat().ID, c.Sender().ID, session); err != nil {
		slog.Error("start dialog: save session", "err", err)
	}
	return nil
}

// handleText consumes dialog input when a session is open, otherwise routes
// the message as a note.
func (b *Bot) handleText(c tele.Context) error {
	if !isGroupChat(c.Chat()) {
		return c.Send("Send notes in your group's General thread; use /help for commands.")
	}
	ctx := context.Background()

	session, ok, err := b.sessions.Get(ctx, c.Chat().ID, c.Sender().ID)
	if err != nil {
		slog.Error("load session", "err", err)
	}
	if ok {
		return b.consumeDialog(ctx, c, session)
	}

	b.queueURLMetadata(ctx, c.Message())
	outcome, err := b.router.HandleGroupMessage(ctx, incomingFromContext(c))
	if err != nil {
		slog.Error("route message", "chat_id", c.Chat().ID, "outcome", outcome, "err", err)
	}
	return nil
}

func (b *Bot) consumeDialog(ctx context.Context, c tele.Context, session Session) error {
	value := strings.TrimSpace(c.Message().Text)
	if value == "" {
		return nil
	}
	var upd store.TopicUpdate
	var done string
	switch session.State {
	case StateAwaitingRules:
		upd = store.TopicUpdate{Description: &value}
		done = "Rules saved. Notes matching them will land here."
	case StateAwaitingFormat:
		upd = store.TopicUpdate{FormatPolicy: &value}
		done = "Template saved."
	default:
		_ = b.sessions.Clear(ctx, c.Chat().ID, c.Sender().ID)
		return nil
	}

	if _, err := b.store.UpdateTopic(session.TopicID, upd); err != nil {
		slog.Error("dialog update topic", "topic_id", session.TopicID, "err", err)
		done = "Saving failed, try again."
	}
	_ = b.sessions.Clear(ctx, c.Chat().ID, c.Sender().ID)

	// Fold the dialog into the prompt message and drop the raw input.
	if session.PromptID != 0 {
		prompt := tele.StoredMessage{
			MessageID: strconv.FormatInt(session.PromptID, 10),
			ChatID:    c.Chat().ID,
		}
		if _, err := c.Bot().Edit(prompt, done); err != nil {
			slog.Warn("edit dialog prompt", "err", err)
		}
	}
	if err := c.Delete(); err != nil {
		slog.Warn("delete dialog input", "err", err)
	}
	return nil
}

// handleVoice stages the audio and hands transcription to the worker; the
// update loop never blocks on it.
func (b *Bot) handleVoice(c tele.Context) error {
	if !isGroupChat(c.Chat()) || b.objects == nil || b.queue == nil {
		return nil
	}
	m := c.Message()
	if m.Voice == nil {
		return nil
	}
	ctx := context.Background()

	rc, err := c.Bot().File(&m.Voice.File)
	if err != nil {
		slog.Error("download voice", "err", err)
		return c.Reply("I couldn't download that voice message.")
	}
	defer rc.Close()

	key := "voice/" + util.NewID() + ".ogg"
	if err := b.objects.Put(ctx, key, rc, -1, "audio/ogg"); err != nil {
		slog.Error("stage voice", "err", err)
		return c.Reply("I couldn't store that voice message.")
	}
	_, err = b.queue.Enqueue(ctx, queue.KindTranscribeVoice, queue.TranscribeVoicePayload{
		ObjectKey: key,
		ChatID:    c.Chat().ID,
		UserID:    c.Sender().ID,
		MessageID: int64(m.ID),
	})
	if err != nil {
		slog.Error("enqueue transcription", "err", err)
		return c.Reply("I couldn't queue that voice message.")
	}
	return c.Reply("Got it — transcribing in the background.")
}

func (b *Bot) handleDocument(c tele.Context) error {
	if !isGroupChat(c.Chat()) || b.objects == nil || b.queue == nil {
		return nil
	}
	m := c.Message()
	if m.Document == nil {
		return nil
	}
	ctx := context.Background()

	rc, err := c.Bot().File(&m.Document.File)
	if err != nil {
		slog.Error("download document", "err", err)
		return c.Reply("I couldn't download that file.")
	}
	defer rc.Close()

	key := "files/" + util.NewID() + path.Ext(m.Document.FileName)
	mime := m.Document.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	if err := b.objects.Put(ctx, key, rc, -1, mime); err != nil {
		slog.Error("stage document", "err", err)
		return c.Reply("I couldn't store that file.")
	}
	_, err = b.queue.Enqueue(ctx, queue.KindProcessFile, queue.ProcessFilePayload{
		ObjectKey: key,
		Filename:  m.Document.FileName,
		MIME:      mime,
		ChatID:    c.Chat().ID,
		UserID:    c.Sender().ID,
	})
	if err != nil {
		slog.Error("enqueue file processing", "err", err)
		return c.Reply("I couldn't queue that file.")
	}
	return c.Reply("Got it — extracting text in the background.")
}

// queueURLMetadata enqueues a background metadata lookup for the first link
// in a buffer note. Fire and forget: the worker records title and description
// on the task status.
func (b *Bot) queueURLMetadata(ctx context.Context, m *tele.Message) {
	if b.queue == nil || m.ThreadID > 1 {
		return
	}
	link := FirstURL(m.Text)
	if link == "" {
		return
	}
	_, err := b.queue.Enqueue(ctx, queue.KindFetchURLMetadata, queue.FetchURLMetadataPayload{URL: link})
	if err != nil {
		slog.Warn("enqueue url metadata", "err", err)
	}
}

// FirstURL returns the first http(s) link in the text, or "".
func FirstURL(text string) string {
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return ""
}

func (b *Bot) handleTopicCreated(c tele.Context) error {
	if !isGroupChat(c.Chat()) {
		return nil
	}
	_, err := b.router.HandleGroupMessage(context.Background(), incomingFromContext(c))
	return err
}

func (b *Bot) handleBindTopic(c tele.Context) error {
	threadID, err := strconv.ParseInt(strings.TrimSpace(c.Data()), 10, 64)
	if err != nil || threadID <= 0 {
		return c.Respond(&tele.CallbackResponse{Text: "Stale button."})
	}
	ctx := context.Background()

	group, err := b.ensureGroup(c)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
	}
	topic, err := b.store.GetOrCreateTopic(group.ID, threadID, "")
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
	}

	session := Session{State: StateAwaitingRules, TopicID: topic.ID, PromptID: int64(c.Message().ID)}
	if err := b.sessions.Set(ctx, c.Chat().ID, c.Sender().ID, session); err != nil {
		slog.Error("bind topic: save session", "err", err)
	}
	if err := c.Edit("Describe what belongs in this topic in one message.", cancelMarkup()); err != nil {
		slog.Warn("bind topic: edit offer", "err", err)
	}
	return c.Respond(&tele.CallbackResponse{})
}

func (b *Bot) handleCancelDialog(c tele.Context) error {
	_ = b.sessions.Clear(context.Background(), c.Chat().ID, c.Sender().ID)
	if err := c.Edit("Canceled."); err != nil {
		slog.Warn("cancel dialog: edit", "err", err)
	}
	return c.Respond(&tele.CallbackResponse{})
}

func (b *Bot) handleCloseMessage(c tele.Context) error {
	if err := c.Delete(); err != nil {
		slog.Warn("close message: delete", "err", err)
	}
	return c.Respond(&tele.CallbackResponse{})
}

// ensureGroup upserts the sender and the chat into the store.
func (b *Bot) ensureGroup(c tele.Context) (domain.Group, error) {
	user, err := b.store.GetOrCreateUser(c.Sender().ID)
	if err != nil {
		return domain.Group{}, err
	}
	return b.store.GetOrCreateGroup(user.ID, c.Chat().ID, c.Chat().Title, c.Chat().IsForum)
}

// deleteCommand drops the operator's command message to keep threads clean.
func (b *Bot) deleteCommand(c tele.Context) {
	if err := c.Delete(); err != nil {
		slog.Warn("delete command message", "err", err)
	}
}

func (b *Bot) sendInThread(c tele.Context, threadID int64, text string) error {
	_, err := c.Bot().Send(c.Chat(), text, &tele.SendOptions{ThreadID: int(threadID)})
	return err
}

func closeOnlyMarkup() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	closeBtn := markup.Data(btnCloseMessage.Text, btnCloseMessage.Unique)
	markup.Inline(markup.Row(closeBtn))
	return markup
}
