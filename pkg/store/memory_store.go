package store

import (
	"sort"
	"sync"
	"time"

	"sekretar/pkg/domain"
)

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors the upsert semantics of GormStore under a single mutex.
type MemoryStore struct {
	mu sync.Mutex

	nextID        int64
	users         map[int64]domain.User // keyed by telegram user id
	groups        map[int64]domain.Group
	topics        map[int64]domain.Topic
	settings      map[int64]domain.AISettings // keyed by user id
	confirmations map[int64]domain.PendingConfirmation
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         map[int64]domain.User{},
		groups:        map[int64]domain.Group{},
		topics:        map[int64]domain.Topic{},
		settings:      map[int64]domain.AISettings{},
		confirmations: map[int64]domain.PendingConfirmation{},
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) GetOrCreateUser(telegramUserID int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[telegramUserID]; ok {
		return u, nil
	}
	u := domain.User{ID: s.id(), TelegramUserID: telegramUserID, CreatedAt: time.Now().UTC()}
	s.users[telegramUserID] = u
	return u, nil
}

func (s *MemoryStore) GetUserByTelegramID(telegramUserID int64) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[telegramUserID]
	return u, ok, nil
}

func (s *MemoryStore) GetOrCreateGroup(ownerID, telegramChatID int64, title string, topicsEnabled bool) (domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range s.groups {
		if g.TelegramChatID == telegramChatID {
			g.Title = title
			g.TopicsEnabled = topicsEnabled
			s.groups[id] = g
			return g, nil
		}
	}
	g := domain.Group{
		ID:             s.id(),
		TelegramChatID: telegramChatID,
		Title:          title,
		TopicsEnabled:  topicsEnabled,
		OwnerID:        ownerID,
		CreatedAt:      time.Now().UTC(),
	}
	s.groups[g.ID] = g
	return g, nil
}

func (s *MemoryStore) GetGroupByChatID(telegramChatID int64) (domain.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.TelegramChatID == telegramChatID {
			return g, true, nil
		}
	}
	return domain.Group{}, false, nil
}

func (s *MemoryStore) GetGroupByOwner(ownerID int64) (domain.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.Group
	found := false
	for _, g := range s.groups {
		if g.OwnerID == ownerID && (!found || g.ID < best.ID) {
			best = g
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) UpdateGroupInfo(id int64, title string, topicsEnabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.Title = title
	g.TopicsEnabled = topicsEnabled
	s.groups[id] = g
	return nil
}

func (s *MemoryStore) GetOrCreateTopic(groupID, telegramTopicID int64, title string) (domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.topics {
		if t.GroupID == groupID && t.TelegramTopicID == telegramTopicID {
			if title != "" && t.Title != title {
				t.Title = title
				s.topics[id] = t
			}
			return t, nil
		}
	}
	t := domain.Topic{
		ID:              s.id(),
		GroupID:         groupID,
		TelegramTopicID: telegramTopicID,
		Title:           title,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	s.topics[t.ID] = t
	return t, nil
}

func (s *MemoryStore) GetTopic(groupID, telegramTopicID int64) (domain.Topic, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t.GroupID == groupID && t.TelegramTopicID == telegramTopicID {
			return t, true, nil
		}
	}
	return domain.Topic{}, false, nil
}

func (s *MemoryStore) GetTopicByID(id int64) (domain.Topic, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	return t, ok, nil
}

func (s *MemoryStore) ListTopics(groupID int64) ([]domain.Topic, error) {
	return s.listTopics(groupID, false)
}

func (s *MemoryStore) ListActiveTopics(groupID int64) ([]domain.Topic, error) {
	return s.listTopics(groupID, true)
}

func (s *MemoryStore) listTopics(groupID int64, activeOnly bool) ([]domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Topic{}
	for _, t := range s.topics {
		if t.GroupID != groupID {
			continue
		}
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TelegramTopicID < out[j].TelegramTopicID })
	return out, nil
}

func (s *MemoryStore) UpdateTopic(id int64, upd TopicUpdate) (domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return domain.Topic{}, ErrNotFound
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.FormatPolicy != nil {
		t.FormatPolicy = *upd.FormatPolicy
	}
	if upd.Active != nil {
		t.Active = *upd.Active
	}
	s.topics[id] = t
	return t, nil
}

func (s *MemoryStore) GetAISettings(userID int64) (domain.AISettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.settings[userID]; ok {
		return st, nil
	}
	return defaultAISettings(userID), nil
}

func (s *MemoryStore) SaveAISettings(settings domain.AISettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.UpdatedAt = time.Now().UTC()
	s.settings[settings.UserID] = settings
	return nil
}

func (s *MemoryStore) SavePendingConfirmation(pc domain.PendingConfirmation) (domain.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc.ID = s.id()
	pc.CreatedAt = time.Now().UTC()
	s.confirmations[pc.ID] = pc
	return pc, nil
}

func (s *MemoryStore) DeleteExpiredConfirmations(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, pc := range s.confirmations {
		if !pc.ExpiresAt.After(now) {
			delete(s.confirmations, id)
			deleted++
		}
	}
	return deleted, nil
}
