package database

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"docvault/internal/server/model"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryColumnNames = strings.Split(strings.Join(strings.Fields(entryColumns), ""), ",")

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func entryRow(userID string, e model.DocumentEntry) []any {
	return []any{
		e.ID, userID, e.DocumentName, e.StorageRef, e.FileSize, e.FileType,
		e.ExpirationDate, e.IsOffline, e.Notified, e.IV, e.CreatedAt,
	}
}

func testEntry(id, ref string, exp *time.Time) model.DocumentEntry {
	return model.DocumentEntry{
		ID:             id,
		DocumentName:   "lease",
		StorageRef:     ref,
		FileSize:       32,
		FileType:       "application/pdf",
		ExpirationDate: exp,
		IV:             "00112233445566778899aabbccddeeff",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRepository_Append(t *testing.T) {
	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	entry := testEntry("7d444840-9dc0-11d1-b245-5ffdce74fad2", "1700000000000-abc-lease.pdf.enc", &exp)
	args := entryRow("user-1", entry)

	t.Run("upserts collection and inserts entry in one transaction", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_collections")).
			WithArgs("user-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_entries")).
			WithArgs(args...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		saved, err := NewRepository(mock).Append(t.Context(), "user-1", &entry)
		require.NoError(t, err)
		assert.Equal(t, entry.ID, saved.ID)
		assert.Equal(t, model.DownloadPrefix+entry.StorageRef, saved.FileURL)
		assert.Empty(t, entry.FileURL, "input entry is not modified")
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_collections")).
			WithArgs("user-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_entries")).
			WithArgs(args...).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := NewRepository(mock).Append(t.Context(), "user-1", &entry)
		assert.ErrorContains(t, err, "failed to insert document entry")
	})

	t.Run("assigns id and creation time", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_collections")).
			WithArgs("user-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_entries")).
			WithArgs(pgxmock.AnyArg(), "user-1", "x", "x.enc", int64(0), "", (*time.Time)(nil),
				false, false, "", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		saved, err := NewRepository(mock).Append(t.Context(), "user-1", &model.DocumentEntry{
			DocumentName: "x", StorageRef: "x.enc",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, saved.ID)
		assert.False(t, saved.CreatedAt.IsZero())
	})
}

func TestRepository_List(t *testing.T) {
	mock := newMockPool(t)
	a := testEntry("a", "a.enc", nil)
	b := testEntry("b", "b.enc", nil)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at, id")).
		WithArgs("user-1").
		WillReturnRows(mock.NewRows(entryColumnNames).
			AddRow(entryRow("user-1", a)...).
			AddRow(entryRow("user-1", b)...))

	entries, err := NewRepository(mock).List(t.Context(), "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, model.DownloadPrefix+"b.enc", entries[1].FileURL)
}

func TestRepository_FindByRef(t *testing.T) {
	a := testEntry("a", "1700-abc-a.pdf.enc", nil)
	b := testEntry("b", "1700-def-b.pdf.enc", nil)

	tests := []struct {
		name    string
		rows    []model.DocumentEntry
		wantID  string
		wantErr error
	}{
		{"no match", nil, "", model.ErrDocumentNotFound},
		{"single match", []model.DocumentEntry{a}, "a", nil},
		{"two matches", []model.DocumentEntry{a, b}, "", model.ErrAmbiguousReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPool(t)
			rows := mock.NewRows(entryColumnNames)
			for _, e := range tt.rows {
				rows.AddRow(entryRow("user-1", e)...)
			}
			mock.ExpectQuery(regexp.QuoteMeta("strpos(storage_ref, $2) > 0")).
				WithArgs("user-1", ".pdf.enc").
				WillReturnRows(rows)

			got, err := NewRepository(mock).FindByRef(t.Context(), "user-1", ".pdf.enc")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}

	t.Run("empty fragment never queries", func(t *testing.T) {
		mock := newMockPool(t)
		_, err := NewRepository(mock).FindByRef(t.Context(), "user-1", "")
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})
}

func TestRepository_Remove(t *testing.T) {
	const id = "7d444840-9dc0-11d1-b245-5ffdce74fad2"

	t.Run("returns deleted entry", func(t *testing.T) {
		mock := newMockPool(t)
		e := testEntry(id, "x.enc", nil)
		mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM document_entries")).
			WithArgs("user-1", id).
			WillReturnRows(mock.NewRows(entryColumnNames).AddRow(entryRow("user-1", e)...))

		got, err := NewRepository(mock).Remove(t.Context(), "user-1", id)
		require.NoError(t, err)
		assert.Equal(t, "x.enc", got.StorageRef)
	})

	t.Run("not found when no row deleted", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM document_entries")).
			WithArgs("user-2", id).
			WillReturnRows(mock.NewRows(entryColumnNames))

		_, err := NewRepository(mock).Remove(t.Context(), "user-2", id)
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})

	t.Run("rejects non-uuid without query", func(t *testing.T) {
		mock := newMockPool(t)
		_, err := NewRepository(mock).Remove(t.Context(), "user-1", "not-a-uuid")
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})
}

func TestRepository_ExpiringCollections(t *testing.T) {
	mock := newMockPool(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cutoff := now.Add(7 * 24 * time.Hour)
	soon := now.Add(48 * time.Hour)

	a1 := testEntry("a1", "a1.enc", &soon)
	a2 := testEntry("a2", "a2.enc", nil)
	b1 := testEntry("b1", "b1.enc", &soon)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY user_id, created_at, id")).
		WithArgs(now, cutoff).
		WillReturnRows(mock.NewRows(entryColumnNames).
			AddRow(entryRow("alice", a1)...).
			AddRow(entryRow("alice", a2)...).
			AddRow(entryRow("bob", b1)...))

	got, err := NewRepository(mock).ExpiringCollections(t.Context(), now, cutoff)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "alice", got[0].UserID)
	require.Len(t, got[0].Entries, 2)
	assert.Equal(t, "a1", got[0].Entries[0].ID)
	assert.Equal(t, "a2", got[0].Entries[1].ID)

	assert.Equal(t, "bob", got[1].UserID)
	require.Len(t, got[1].Entries, 1)
	assert.Equal(t, "b1", got[1].Entries[0].ID)
}

func TestRepository_MarkNotified(t *testing.T) {
	t.Run("flags entry", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE document_entries SET notified = TRUE")).
			WithArgs("user-1", "a").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, NewRepository(mock).MarkNotified(t.Context(), "user-1", "a"))
	})

	t.Run("not found when nothing updated", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE document_entries SET notified = TRUE")).
			WithArgs("user-1", "gone").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := NewRepository(mock).MarkNotified(t.Context(), "user-1", "gone")
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})
}
