package app

import (
	"strconv"
	"strings"
	"time"

	"sekretar/pkg/domain"
)

// DefaultTemplate is used when a topic has no format policy of its own.
const DefaultTemplate = `<b>[title]</b>

[message]

[tags]
<i>[full_name] — [date]</i>`

// TemplateData carries everything a format policy may reference.
type TemplateData struct {
	Note      domain.RenderedNote
	Message   IncomingMessage
	Group     domain.Group
	Topic     domain.Topic
	Timestamp time.Time
}

// RenderTemplate substitutes bracketed placeholders in a format policy.
// Unknown brackets are left as-is; inline HTML markup passes through and is
// interpreted by Telegram's HTML parse mode.
func RenderTemplate(policy string, data TemplateData) string {
	if strings.TrimSpace(policy) == "" {
		policy = DefaultTemplate
	}

	fullName := strings.TrimSpace(data.Message.Sender.FirstName + " " + data.Message.Sender.LastName)
	replacer := strings.NewReplacer(
		"[title]", data.Note.Title,
		"[caption]", data.Note.Title,
		"[message]", data.Note.Content,
		"[date]", data.Timestamp.Format("02.01.2006 15:04"),
		"[tags]", strings.Join(data.Note.Tags, " "),
		"[username]", data.Message.Sender.Username,
		"[first_name]", data.Message.Sender.FirstName,
		"[last_name]", data.Message.Sender.LastName,
		"[full_name]", fullName,
		"[user_id]", strconv.FormatInt(data.Message.Sender.ID, 10),
		"[chat_title]", data.Group.Title,
		"[topic_name]", data.Topic.Title,
		"[message_id]", strconv.FormatInt(data.Message.MessageID, 10),
		"[thread_id]", strconv.FormatInt(data.Topic.TelegramTopicID, 10),
		"[group_id]", strconv.FormatInt(data.Group.ID, 10),
	)
	out := replacer.Replace(policy)

	// Collapse the blank line left behind when a note has no tags.
	out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	return strings.TrimSpace(out)
}

// TemplatePlaceholders lists the supported placeholders for dialog help text.
var TemplatePlaceholders = []string{
	"[title]", "[caption]", "[message]", "[date]", "[tags]",
	"[username]", "[first_name]", "[last_name]", "[full_name]", "[user_id]",
	"[chat_title]", "[topic_name]", "[message_id]", "[thread_id]", "[group_id]",
}
