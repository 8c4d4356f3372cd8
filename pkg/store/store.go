package store

import (
	"errors"
	"time"

	"sekretar/pkg/domain"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("not found")

// TopicUpdate carries the mutable topic fields for a partial update.
// Nil fields are left unchanged.
type TopicUpdate struct {
	Title        *string
	Description  *string
	FormatPolicy *string
	Active       *bool
}

// Store defines persistence for users, groups, topics, AI settings, and
// pending confirmations. Get-or-create operations are idempotent and safe
// under concurrent first contact: implementations serialize on the unique
// key (upsert), never read-then-write.
type Store interface {
	// users
	GetOrCreateUser(telegramUserID int64) (domain.User, error)
	GetUserByTelegramID(telegramUserID int64) (domain.User, bool, error)

	// groups
	GetOrCreateGroup(ownerID, telegramChatID int64, title string, topicsEnabled bool) (domain.Group, error)
	GetGroupByChatID(telegramChatID int64) (domain.Group, bool, error)
	GetGroupByOwner(ownerID int64) (domain.Group, bool, error)
	UpdateGroupInfo(id int64, title string, topicsEnabled bool) error

	// topics
	GetOrCreateTopic(groupID, telegramTopicID int64, title string) (domain.Topic, error)
	GetTopic(groupID, telegramTopicID int64) (domain.Topic, bool, error)
	GetTopicByID(id int64) (domain.Topic, bool, error)
	ListTopics(groupID int64) ([]domain.Topic, error)
	ListActiveTopics(groupID int64) ([]domain.Topic, error)
	UpdateTopic(id int64, upd TopicUpdate) (domain.Topic, error)

	// ai settings
	GetAISettings(userID int64) (domain.AISettings, error)
	SaveAISettings(settings domain.AISettings) error

	// pending confirmations
	SavePendingConfirmation(pc domain.PendingConfirmation) (domain.PendingConfirmation, error)
	DeleteExpiredConfirmations(now time.Time) (int64, error)
}

// defaultAISettings fills provider defaults for a user with no stored row.
func defaultAISettings(userID int64) domain.AISettings {
	return domain.AISettings{
		UserID:       userID,
		Provider:     domain.DefaultProvider,
		Model:        domain.DefaultModel,
		BrevityLevel: domain.DefaultBrevityLevel,
	}
}
