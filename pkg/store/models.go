package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID             int64     `gorm:"primaryKey"`
	TelegramUserID int64     `gorm:"uniqueIndex;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

type GroupModel struct {
	ID             int64     `gorm:"primaryKey"`
	TelegramChatID int64     `gorm:"uniqueIndex;not null"`
	Title          string    `gorm:"not null"`
	TopicsEnabled  bool      `gorm:"not null"`
	OwnerID        int64     `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
}

type TopicModel struct {
	ID              int64  `gorm:"primaryKey"`
	GroupID         int64  `gorm:"not null;uniqueIndex:idx_topic_group_thread"`
	TelegramTopicID int64  `gorm:"not null;uniqueIndex:idx_topic_group_thread"`
	Title           string `gorm:"not null"`
	Description     string `gorm:"type:text"`
	FormatPolicy    string `gorm:"type:text"`
	Active          bool   `gorm:"not null"`
	CreatedAt       time.Time
}

type AISettingsModel struct {
	ID           int64  `gorm:"primaryKey"`
	UserID       int64  `gorm:"uniqueIndex;not null"`
	Provider     string `gorm:"not null"`
	Model        string `gorm:"not null"`
	BrevityLevel int    `gorm:"not null"`
	UpdatedAt    time.Time
}

type PendingConfirmationModel struct {
	ID              int64          `gorm:"primaryKey"`
	UserID          int64          `gorm:"not null;index"`
	SourceMessageID int64          `gorm:"not null"`
	Prepared        datatypes.JSON `gorm:"type:jsonb"`
	Suggested       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null"`
	ExpiresAt       time.Time      `gorm:"not null;index"`
}
