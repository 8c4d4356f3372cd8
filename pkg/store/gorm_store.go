package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sekretar/pkg/domain"
)

const migrateLockID int64 = 52141007

// GormStore implements Store using GORM + Postgres. Uniqueness constraints
// plus ON CONFLICT upserts make get-or-create safe under concurrent first
// contact from multiple update handlers.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&UserModel{},
			&GroupModel{},
			&TopicModel{},
			&AISettingsModel{},
			&PendingConfirmationModel{},
		)
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes schema migration across replicas starting at
// the same time.
func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

// GetOrCreateUser upserts the user row keyed by Telegram user id.
func (s *GormStore) GetOrCreateUser(telegramUserID int64) (domain.User, error) {
	row := UserModel{TelegramUserID: telegramUserID, CreatedAt: time.Now().UTC()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_user_id"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	// DO NOTHING does not return the existing row; read it back.
	if row.ID == 0 {
		if err := s.db.Where("telegram_user_id = ?", telegramUserID).First(&row).Error; err != nil {
			return domain.User{}, fmt.Errorf("load user: %w", err)
		}
	}
	return userFromModel(row), nil
}

func (s *GormStore) GetUserByTelegramID(telegramUserID int64) (domain.User, bool, error) {
	var row UserModel
	err := s.db.Where("telegram_user_id = ?", telegramUserID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(row), true, nil
}

// GetOrCreateGroup upserts the group keyed by Telegram chat id. Title and the
// topics flag are refreshed idempotently when they changed; the owner set on
// first sight is never overwritten.
func (s *GormStore) GetOrCreateGroup(ownerID, telegramChatID int64, title string, topicsEnabled bool) (domain.Group, error) {
	row := GroupModel{
		TelegramChatID: telegramChatID,
		Title:          title,
		TopicsEnabled:  topicsEnabled,
		OwnerID:        ownerID,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "topics_enabled"}),
	}).Create(&row).Error
	if err != nil {
		return domain.Group{}, fmt.Errorf("upsert group: %w", err)
	}
	if row.ID == 0 {
		if err := s.db.Where("telegram_chat_id = ?", telegramChatID).First(&row).Error; err != nil {
			return domain.Group{}, fmt.Errorf("load group: %w", err)
		}
	}
	return groupFromModel(row), nil
}

func (s *GormStore) GetGroupByChatID(telegramChatID int64) (domain.Group, bool, error) {
	var row GroupModel
	err := s.db.Where("telegram_chat_id = ?", telegramChatID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Group{}, false, nil
	}
	if err != nil {
		return domain.Group{}, false, err
	}
	return groupFromModel(row), true, nil
}

func (s *GormStore) GetGroupByOwner(ownerID int64) (domain.Group, bool, error) {
	var row GroupModel
	err := s.db.Where("owner_id = ?", ownerID).Order("id asc").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Group{}, false, nil
	}
	if err != nil {
		return domain.Group{}, false, err
	}
	return groupFromModel(row), true, nil
}

func (s *GormStore) UpdateGroupInfo(id int64, title string, topicsEnabled bool) error {
	return s.db.Model(&GroupModel{}).Where("id = ?", id).Updates(map[string]any{
		"title":          title,
		"topics_enabled": topicsEnabled,
	}).Error
}

// GetOrCreateTopic upserts the topic keyed by (group, thread). A non-empty
// title refreshes a stale stored title; repeated identical calls are no-ops.
func (s *GormStore) GetOrCreateTopic(groupID, telegramTopicID int64, title string) (domain.Topic, error) {
	row := TopicModel{
		GroupID:         groupID,
		TelegramTopicID: telegramTopicID,
		Title:           title,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "telegram_topic_id"}},
		DoNothing: true,
	}
	if title != "" {
		conflict.DoNothing = false
		conflict.DoUpdates = clause.AssignmentColumns([]string{"title"})
	}
	if err := s.db.Clauses(conflict).Create(&row).Error; err != nil {
		return domain.Topic{}, fmt.Errorf("upsert topic: %w", err)
	}
	if row.ID == 0 {
		if err := s.db.Where("group_id = ? AND telegram_topic_id = ?", groupID, telegramTopicID).First(&row).Error; err != nil {
			return domain.Topic{}, fmt.Errorf("load topic: %w", err)
		}
	}
	return topicFromModel(row), nil
}

func (s *GormStore) GetTopic(groupID, telegramTopicID int64) (domain.Topic, bool, error) {
	var row TopicModel
	err := s.db.Where("group_id = ? AND telegram_topic_id = ?", groupID, telegramTopicID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Topic{}, false, nil
	}
	if err != nil {
		return domain.Topic{}, false, err
	}
	return topicFromModel(row), true, nil
}

func (s *GormStore) GetTopicByID(id int64) (domain.Topic, bool, error) {
	var row TopicModel
	err := s.db.First(&row, id).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Topic{}, false, nil
	}
	if err != nil {
		return domain.Topic{}, false, err
	}
	return topicFromModel(row), true, nil
}

func (s *GormStore) ListTopics(groupID int64) ([]domain.Topic, error) {
	var rows []TopicModel
	if err := s.db.Where("group_id = ?", groupID).Order("telegram_topic_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return topicsFromModels(rows), nil
}

func (s *GormStore) ListActiveTopics(groupID int64) ([]domain.Topic, error) {
	var rows []TopicModel
	if err := s.db.Where("group_id = ? AND active = ?", groupID, true).Order("telegram_topic_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return topicsFromModels(rows), nil
}

func (s *GormStore) UpdateTopic(id int64, upd TopicUpdate) (domain.Topic, error) {
	changes := map[string]any{}
	if upd.Title != nil {
		changes["title"] = *upd.Title
	}
	if upd.Description != nil {
		changes["description"] = *upd.Description
	}
	if upd.FormatPolicy != nil {
		changes["format_policy"] = *upd.FormatPolicy
	}
	if upd.Active != nil {
		changes["active"] = *upd.Active
	}
	if len(changes) > 0 {
		res := s.db.Model(&TopicModel{}).Where("id = ?", id).Updates(changes)
		if res.Error != nil {
			return domain.Topic{}, res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Topic{}, ErrNotFound
		}
	}
	topic, ok, err := s.GetTopicByID(id)
	if err != nil {
		return domain.Topic{}, err
	}
	if !ok {
		return domain.Topic{}, ErrNotFound
	}
	return topic, nil
}

// GetAISettings returns the stored row or defaults; defaults are not
// persisted eagerly.
func (s *GormStore) GetAISettings(userID int64) (domain.AISettings, error) {
	var row AISettingsModel
	err := s.db.Where("user_id = ?", userID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return defaultAISettings(userID), nil
	}
	if err != nil {
		return domain.AISettings{}, err
	}
	return domain.AISettings{
		UserID:       row.UserID,
		Provider:     row.Provider,
		Model:        row.Model,
		BrevityLevel: row.BrevityLevel,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func (s *GormStore) SaveAISettings(settings domain.AISettings) error {
	row := AISettingsModel{
		UserID:       settings.UserID,
		Provider:     settings.Provider,
		Model:        settings.Model,
		BrevityLevel: settings.BrevityLevel,
		UpdatedAt:    time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "model", "brevity_level", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) SavePendingConfirmation(pc domain.PendingConfirmation) (domain.PendingConfirmation, error) {
	prepared, err := json.Marshal(pc.Prepared)
	if err != nil {
		return domain.PendingConfirmation{}, err
	}
	suggested, err := json.Marshal(pc.Suggested)
	if err != nil {
		return domain.PendingConfirmation{}, err
	}
	row := PendingConfirmationModel{
		UserID:          pc.UserID,
		SourceMessageID: pc.SourceMessageID,
		Prepared:        datatypes.JSON(prepared),
		Suggested:       datatypes.JSON(suggested),
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       pc.ExpiresAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return domain.PendingConfirmation{}, fmt.Errorf("save confirmation: %w", err)
	}
	pc.ID = row.ID
	pc.CreatedAt = row.CreatedAt
	return pc, nil
}

// DeleteExpiredConfirmations removes rows past their TTL and reports the count.
func (s *GormStore) DeleteExpiredConfirmations(now time.Time) (int64, error) {
	res := s.db.Where("expires_at <= ?", now).Delete(&PendingConfirmationModel{})
	return res.RowsAffected, res.Error
}

func userFromModel(m UserModel) domain.User {
	return domain.User{ID: m.ID, TelegramUserID: m.TelegramUserID, CreatedAt: m.CreatedAt}
}

func groupFromModel(m GroupModel) domain.Group {
	return domain.Group{
		ID:             m.ID,
		TelegramChatID: m.TelegramChatID,
		Title:          m.Title,
		TopicsEnabled:  m.TopicsEnabled,
		OwnerID:        m.OwnerID,
		CreatedAt:      m.CreatedAt,
	}
}

func topicFromModel(m TopicModel) domain.Topic {
	return domain.Topic{
		ID:              m.ID,
		GroupID:         m.GroupID,
		TelegramTopicID: m.TelegramTopicID,
		Title:           m.Title,
		Description:     m.Description,
		FormatPolicy:    m.FormatPolicy,
		Active:          m.Active,
		CreatedAt:       m.CreatedAt,
	}
}

func topicsFromModels(rows []TopicModel) []domain.Topic {
	out := make([]domain.Topic, 0, len(rows))
	for _, r := range rows {
		out = append(out, topicFromModel(r))
	}
	return out
}
