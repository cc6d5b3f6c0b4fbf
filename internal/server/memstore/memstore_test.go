package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"docvault/internal/server/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(ref string) *model.DocumentEntry {
	return &model.DocumentEntry{
		DocumentName: ref,
		StorageRef:   ref,
		FileType:     "text/plain",
		IV:           "00112233445566778899aabbccddeeff",
	}
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := New()

	list, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)

	saved, err := s.Append(ctx, "alice", entry("1-a.enc"))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, model.DownloadPrefix+"1-a.enc", saved.FileURL)

	_, err = s.Append(ctx, "alice", entry("2-b.enc"))
	require.NoError(t, err)

	list, err = s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1-a.enc", list[0].StorageRef)
	assert.Equal(t, "2-b.enc", list[1].StorageRef)
}

func TestConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	s := New()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, "alice", entry(fmt.Sprintf("%d.enc", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, n)
}

func TestFindByRef(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.Append(ctx, "alice", entry("100-lease.pdf.enc"))
	_, _ = s.Append(ctx, "alice", entry("200-lease.pdf.enc"))
	_, _ = s.Append(ctx, "bob", entry("300-bob.pdf.enc"))

	t.Run("exact match", func(t *testing.T) {
		e, err := s.FindByRef(ctx, "alice", "100-lease.pdf.enc")
		require.NoError(t, err)
		assert.Equal(t, "100-lease.pdf.enc", e.StorageRef)
	})

	t.Run("ambiguous fragment", func(t *testing.T) {
		_, err := s.FindByRef(ctx, "alice", "lease.pdf")
		assert.ErrorIs(t, err, model.ErrAmbiguousReference)
	})

	t.Run("other user's ref is not found", func(t *testing.T) {
		_, err := s.FindByRef(ctx, "alice", "300-bob.pdf.enc")
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})

	t.Run("empty fragment", func(t *testing.T) {
		_, err := s.FindByRef(ctx, "alice", "")
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := New()
	saved, _ := s.Append(ctx, "alice", entry("1-a.enc"))

	_, err := s.Remove(ctx, "bob", saved.ID)
	assert.ErrorIs(t, err, model.ErrDocumentNotFound)

	removed, err := s.Remove(ctx, "alice", saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "1-a.enc", removed.StorageRef)

	_, err = s.Remove(ctx, "alice", saved.ID)
	assert.ErrorIs(t, err, model.ErrDocumentNotFound)
}

func TestExpiringCollections(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }

	soon := entry("soon.enc")
	soon.ExpirationDate = at(3 * 24 * time.Hour)
	later := entry("later.enc")
	later.ExpirationDate = at(8 * 24 * time.Hour)
	past := entry("past.enc")
	past.ExpirationDate = at(-24 * time.Hour)

	_, _ = s.Append(ctx, "alice", soon)
	_, _ = s.Append(ctx, "alice", later)
	_, _ = s.Append(ctx, "bob", later)
	_, _ = s.Append(ctx, "carol", past)

	got, err := s.ExpiringCollections(ctx, now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Len(t, got[0].Entries, 2, "the whole collection is returned")

	require.NoError(t, s.MarkNotified(ctx, "alice", got[0].Entries[0].ID))
	got, err = s.ExpiringCollections(ctx, now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := New()

	u := &model.User{Username: "alice", Email: "a@example.com", PasswordHash: "h"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.NotEmpty(t, u.ID)

	assert.ErrorIs(t, s.CreateUser(ctx, &model.User{Email: "a@example.com"}), model.ErrEmailTaken)

	require.NoError(t, s.SetOnline(ctx, u.ID, true))
	require.NoError(t, s.SetDeviceToken(ctx, u.ID, "tok"))

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
	require.NotNil(t, got.DeviceToken)
	assert.Equal(t, "tok", *got.DeviceToken)

	_, err = s.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrUserNotFound)
	assert.ErrorIs(t, s.SetOnline(ctx, "missing", true), model.ErrUserNotFound)
}
