// Package memstore keeps documents and users in process memory. It backs
// the test suites and single-process development runs.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"docvault/internal/server/model"

	"github.com/google/uuid"
)

// Store implements the document and user stores behind one mutex.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*model.Collection
	users       map[string]*model.User
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		collections: make(map[string]*model.Collection),
		users:       make(map[string]*model.User),
	}
}

func (s *Store) Append(_ context.Context, userID string, entry *model.DocumentEntry) (*model.DocumentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c, ok := s.collections[userID]
	if !ok {
		c = &model.Collection{UserID: userID, CreatedAt: now}
		s.collections[userID] = c
	}

	saved := *entry
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	saved.FileURL = model.DownloadPrefix + saved.StorageRef
	c.Entries = append(c.Entries, saved)
	c.UpdatedAt = now

	out := saved
	return &out, nil
}

func (s *Store) List(_ context.Context, userID string) ([]model.DocumentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[userID]
	if !ok {
		return []model.DocumentEntry{}, nil
	}
	return append([]model.DocumentEntry{}, c.Entries...), nil
}

func (s *Store) FindByRef(_ context.Context, userID, fragment string) (*model.DocumentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[userID]
	if !ok || fragment == "" {
		return nil, model.ErrDocumentNotFound
	}

	var found *model.DocumentEntry
	for i := range c.Entries {
		if !strings.Contains(c.Entries[i].StorageRef, fragment) {
			continue
		}
		if found != nil {
			return nil, model.ErrAmbiguousReference
		}
		e := c.Entries[i]
		found = &e
	}
	if found == nil {
		return nil, model.ErrDocumentNotFound
	}
	return found, nil
}

func (s *Store) Remove(_ context.Context, userID, id string) (*model.DocumentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[userID]
	if !ok {
		return nil, model.ErrDocumentNotFound
	}
	for i := range c.Entries {
		if c.Entries[i].ID == id {
			removed := c.Entries[i]
			c.Entries = append(c.Entries[:i], c.Entries[i+1:]...)
			c.UpdatedAt = time.Now().UTC()
			return &removed, nil
		}
	}
	return nil, model.ErrDocumentNotFound
}

func (s *Store) ExpiringCollections(_ context.Context, now, cutoff time.Time) ([]model.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Collection
	for _, c := range s.collections {
		for i := range c.Entries {
			if !c.Entries[i].Notified && c.Entries[i].ExpiresWithin(now, cutoff) {
				cp := *c
				cp.Entries = append([]model.DocumentEntry{}, c.Entries...)
				out = append(out, cp)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkNotified(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[userID]; ok {
		for i := range c.Entries {
			if c.Entries[i].ID == id {
				c.Entries[i].Notified = true
				return nil
			}
		}
	}
	return model.ErrDocumentNotFound
}

func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email {
			return model.ErrEmailTaken
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrUserNotFound
}

func (s *Store) SetOnline(_ context.Context, id string, online bool) error {
	return s.updateUser(id, func(u *model.User) { u.IsOnline = online })
}

func (s *Store) SetDeviceToken(_ context.Context, id, token string) error {
	return s.updateUser(id, func(u *model.User) { u.DeviceToken = &token })
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(context.Context) error { return nil }

func (s *Store) updateUser(id string, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return model.ErrUserNotFound
	}
	fn(u)
	return nil
}
