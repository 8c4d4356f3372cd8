package domain

import "time"

// NoTopicID is the reserved sentinel meaning "no existing topic fits".
// It is never assigned to a real topic.
const NoTopicID int64 = 0

// AI provider names accepted in settings.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// AI settings defaults, applied when a user has no stored row.
const (
	DefaultProvider     = ProviderGemini
	DefaultModel        = "gemini-1.5-flash"
	DefaultBrevityLevel = 3
)

// User is a Telegram user known to the bot. Created on first interaction.
type User struct {
	ID             int64     `json:"id"`
	TelegramUserID int64     `json:"telegramUserId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Group is one Telegram chat the bot sorts notes for. Owned by its creator.
type Group struct {
	ID             int64     `json:"id"`
	TelegramChatID int64     `json:"telegramChatId"`
	Title          string    `json:"title"`
	TopicsEnabled  bool      `json:"topicsEnabled"`
	OwnerID        int64     `json:"ownerId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Topic is a forum thread within a group. Description is the classification
// hint; FormatPolicy is the render template. Inactive topics are soft-disabled.
type Topic struct {
	ID              int64     `json:"id"`
	GroupID         int64     `json:"groupId"`
	TelegramTopicID int64     `json:"telegramTopicId"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	FormatPolicy    string    `json:"formatPolicy,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Configured reports whether an operator has described the topic. Only
// configured topics take part in classification.
func (t Topic) Configured() bool {
	return t.Description != ""
}

// AISettings is a user's provider preference. One row per user at most.
type AISettings struct {
	UserID       int64     `json:"-"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	BrevityLevel int       `json:"brevityLevel"`
	UpdatedAt    time.Time `json:"-"`
}

// Candidate is one (topic, confidence) pair proposed by classification.
// Confidence is an opaque ranking key, not a calibrated probability.
type Candidate struct {
	TopicID    int64   `json:"topicId"`
	Confidence float64 `json:"confidence"`
}

// RenderedNote is the structured output of the render step.
type RenderedNote struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// PendingConfirmation pairs a prepared note with its candidate scores while
// waiting for the sender to confirm a target topic. Rows expire after TTL and
// are swept by the worker.
type PendingConfirmation struct {
	ID              int64        `json:"id"`
	UserID          int64        `json:"userId"`
	SourceMessageID int64        `json:"sourceMessageId"`
	Prepared        RenderedNote `json:"prepared"`
	Suggested       []Candidate  `json:"suggested"`
	CreatedAt       time.Time    `json:"createdAt"`
	ExpiresAt       time.Time    `json:"expiresAt"`
}
