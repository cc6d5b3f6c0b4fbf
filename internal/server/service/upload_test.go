package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"docvault/internal/server/codec"
	"docvault/internal/server/config"
	"docvault/internal/server/memstore"
	"docvault/internal/server/model"
	"docvault/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *DocumentService
	docs  *memstore.Store
	blobs *storage.FileSystemStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := codec.NewFromSecret("test-secret")
	require.NoError(t, err)

	blobs := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, blobs.Init(context.Background()))

	docs := memstore.New()
	cfg := &config.Config{MaxFileSize: 1 << 20}
	return &fixture{svc: NewDocumentService(docs, blobs, c, cfg), docs: docs, blobs: blobs}
}

func (f *fixture) upload(t *testing.T, userID, filename string, body []byte) *model.DocumentEntry {
	t.Helper()
	entry, err := f.svc.Upload(context.Background(), userID, UploadInput{
		Filename:     filename,
		ContentType:  "application/pdf",
		Size:         int64(len(body)),
		Body:         bytes.NewReader(body),
		DocumentName: "Doc " + filename,
	})
	require.NoError(t, err)
	return entry
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// --- Upload ---

func TestUpload(t *testing.T) {
	t.Run("encrypts and records metadata", func(t *testing.T) {
		f := newFixture(t)
		body := randomBytes(t, 10*1024)

		expiry := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
		entry, err := f.svc.Upload(context.Background(), "alice", UploadInput{
			Filename:       "lease.pdf",
			ContentType:    "application/pdf",
			Size:           int64(len(body)),
			Body:           bytes.NewReader(body),
			DocumentName:   "Lease",
			HasExpiry:      true,
			ExpirationDate: expiry,
		})
		require.NoError(t, err)

		assert.NotEmpty(t, entry.ID)
		assert.Equal(t, "Lease", entry.DocumentName)
		assert.True(t, strings.HasSuffix(entry.StorageRef, "-lease.pdf.enc"), entry.StorageRef)
		assert.Equal(t, model.DownloadPrefix+entry.StorageRef, entry.FileURL)
		assert.Equal(t, int64(10*1024+16), entry.FileSize)
		assert.Len(t, entry.IV, 2*codec.IVSize)
		require.NotNil(t, entry.ExpirationDate)
		assert.False(t, entry.Notified)

		stored, err := f.blobs.Size(context.Background(), entry.StorageRef)
		require.NoError(t, err)
		assert.Equal(t, entry.FileSize, stored)

		raw, err := f.blobs.Open(context.Background(), entry.StorageRef)
		require.NoError(t, err)
		assert.NotEqual(t, body, readAll(t, raw)[:len(body)])
	})

	t.Run("accepts date-only expiry", func(t *testing.T) {
		f := newFixture(t)
		entry, err := f.svc.Upload(context.Background(), "alice", UploadInput{
			Filename: "id.png", Body: strings.NewReader("x"), DocumentName: "ID",
			HasExpiry: true, ExpirationDate: "2030-01-15",
		})
		require.NoError(t, err)
		assert.Equal(t, time.Date(2030, 1, 15, 0, 0, 0, 0, time.UTC), *entry.ExpirationDate)
	})

	t.Run("ignores expiry date when hasExpiry is false", func(t *testing.T) {
		f := newFixture(t)
		entry, err := f.svc.Upload(context.Background(), "alice", UploadInput{
			Filename: "id.png", Body: strings.NewReader("x"), DocumentName: "ID",
			ExpirationDate: "2030-01-15",
		})
		require.NoError(t, err)
		assert.Nil(t, entry.ExpirationDate)
	})

	inputErrors := []struct {
		name string
		in   UploadInput
		want error
	}{
		{"no file", UploadInput{DocumentName: "x"}, ErrNoFile},
		{"no name", UploadInput{Body: strings.NewReader("x")}, ErrMissingField},
		{"expiry without date", UploadInput{Body: strings.NewReader("x"), DocumentName: "x", HasExpiry: true}, ErrMissingField},
		{"bad date", UploadInput{Body: strings.NewReader("x"), DocumentName: "x", HasExpiry: true, ExpirationDate: "next week"}, ErrInvalidExpiry},
		{"too large", UploadInput{Body: strings.NewReader("x"), DocumentName: "x", Size: 2 << 20}, ErrFileTooLarge},
	}
	for _, tt := range inputErrors {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Upload(context.Background(), "alice", tt.in)
			assert.ErrorIs(t, err, tt.want)

			entries, err := f.docs.List(context.Background(), "alice")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}

	t.Run("failed read leaves nothing behind", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Upload(context.Background(), "alice", UploadInput{
			Filename: "x.pdf", DocumentName: "x",
			Body: io.MultiReader(strings.NewReader("partial"), errReader{errors.New("client went away")}),
		})
		require.Error(t, err)

		entries, err := f.docs.List(context.Background(), "alice")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("metadata failure removes blob", func(t *testing.T) {
		f := newFixture(t)
		svc := NewDocumentService(failingAppend{f.docs}, f.blobs, f.svc.codec, f.svc.cfg)

		var refs []string
		blobs := &recordingBlobs{Store: f.blobs, saved: &refs}
		svc.blobs = blobs

		_, err := svc.Upload(context.Background(), "alice", UploadInput{
			Filename: "x.pdf", Body: strings.NewReader("data"), DocumentName: "x",
		})
		require.Error(t, err)
		require.Len(t, refs, 1)

		_, err = f.blobs.Size(context.Background(), refs[0])
		assert.ErrorIs(t, err, storage.ErrBlobNotFound)
	})
}

func TestUpload_ConcurrentSameUser(t *testing.T) {
	f := newFixture(t)
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Upload(context.Background(), "alice", UploadInput{
				Filename:     "same-name.pdf",
				Body:         strings.NewReader(fmt.Sprintf("document %d", i)),
				DocumentName: fmt.Sprintf("doc %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := f.svc.List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, entries, n)

	refs := make(map[string]bool)
	ivs := make(map[string]bool)
	for _, e := range entries {
		refs[e.StorageRef] = true
		ivs[e.IV] = true
	}
	assert.Len(t, refs, n)
	assert.Len(t, ivs, n)
}

// --- Download ---

func TestDownload(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		f := newFixture(t)
		for _, size := range []int{0, 1, 15, 16, 17, 10 * 1024, 100*1024 + 3} {
			body := randomBytes(t, size)
			entry := f.upload(t, "alice", fmt.Sprintf("file-%d.bin", size), body)

			got, rc, err := f.svc.Download(context.Background(), "alice", entry.StorageRef)
			require.NoError(t, err)
			assert.Equal(t, entry.ID, got.ID)
			assert.Equal(t, body, readAll(t, rc), "size %d", size)
		}
	})

	t.Run("other user cannot resolve ref", func(t *testing.T) {
		f := newFixture(t)
		entry := f.upload(t, "alice", "secret.pdf", []byte("alice only"))

		_, _, err := f.svc.Download(context.Background(), "mallory", entry.StorageRef)
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})

	t.Run("empty ref", func(t *testing.T) {
		f := newFixture(t)
		f.upload(t, "alice", "a.pdf", []byte("a"))
		_, _, err := f.svc.Download(context.Background(), "alice", "")
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})

	t.Run("ambiguous fragment", func(t *testing.T) {
		f := newFixture(t)
		f.upload(t, "alice", "a.pdf", []byte("a"))
		f.upload(t, "alice", "b.pdf", []byte("b"))
		_, _, err := f.svc.Download(context.Background(), "alice", ".enc")
		assert.ErrorIs(t, err, model.ErrAmbiguousReference)
	})

	t.Run("missing blob is an integrity error", func(t *testing.T) {
		f := newFixture(t)
		entry := f.upload(t, "alice", "gone.pdf", []byte("soon gone"))
		require.NoError(t, f.blobs.Delete(context.Background(), entry.StorageRef))

		_, _, err := f.svc.Download(context.Background(), "alice", entry.StorageRef)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("malformed stored IV is an integrity error", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.blobs.Save(context.Background(), "manual.enc", strings.NewReader(strings.Repeat("x", 16)))
		require.NoError(t, err)
		_, err = f.docs.Append(context.Background(), "alice", &model.DocumentEntry{StorageRef: "manual.enc", IV: "zz"})
		require.NoError(t, err)

		_, _, err = f.svc.Download(context.Background(), "alice", "manual.enc")
		assert.ErrorIs(t, err, ErrIntegrity)
	})
}

// --- List and Delete ---

func TestList_Empty(t *testing.T) {
	f := newFixture(t)
	entries, err := f.svc.List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestDelete(t *testing.T) {
	t.Run("removes metadata and blob", func(t *testing.T) {
		f := newFixture(t)
		entry := f.upload(t, "alice", "old.pdf", []byte("old"))

		require.NoError(t, f.svc.Delete(context.Background(), "alice", entry.ID))

		entries, err := f.svc.List(context.Background(), "alice")
		require.NoError(t, err)
		assert.Empty(t, entries)

		_, err = f.blobs.Size(context.Background(), entry.StorageRef)
		assert.ErrorIs(t, err, storage.ErrBlobNotFound)

		_, _, err = f.svc.Download(context.Background(), "alice", entry.StorageRef)
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})

	t.Run("other user cannot delete", func(t *testing.T) {
		f := newFixture(t)
		entry := f.upload(t, "alice", "mine.pdf", []byte("mine"))

		err := f.svc.Delete(context.Background(), "mallory", entry.ID)
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)

		_, err = f.blobs.Size(context.Background(), entry.StorageRef)
		assert.NoError(t, err)
	})

	t.Run("unknown id", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.Delete(context.Background(), "alice", "does-not-exist")
		assert.ErrorIs(t, err, model.ErrDocumentNotFound)
	})

	t.Run("missing blob still deletes metadata", func(t *testing.T) {
		f := newFixture(t)
		entry := f.upload(t, "alice", "x.pdf", []byte("x"))
		require.NoError(t, f.blobs.Delete(context.Background(), entry.StorageRef))

		require.NoError(t, f.svc.Delete(context.Background(), "alice", entry.ID))
		entries, err := f.svc.List(context.Background(), "alice")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// --- Helpers ---

func TestParseExpiry(t *testing.T) {
	got, err := parseExpiry(true, "2025-03-05T10:30:00+05:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 5, 5, 0, 0, 0, time.UTC), *got)

	got, err = parseExpiry(false, "garbage")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewStorageRef(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	ref, err := newStorageRef("../../etc/passwd", now)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ref, "1700000000123-"), ref)
	assert.True(t, strings.HasSuffix(ref, "-passwd.enc"), ref)
	assert.NoError(t, storage.ValidateRef(ref))
}

func TestGenerateSecureToken(t *testing.T) {
	t.Run("generates correct length", func(t *testing.T) {
		for _, length := range []int{8, 12, 16, 24, 32} {
			token, err := generateSecureToken(length)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(token) != length {
				t.Errorf("expected length %d, got %d", length, len(token))
			}
		}
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			token, err := generateSecureToken(16)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seen[token] {
				t.Fatalf("duplicate token generated: %s", token)
			}
			seen[token] = true
		}
	})

	t.Run("only contains URL-safe characters", func(t *testing.T) {
		token, err := generateSecureToken(100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
		for _, c := range token {
			if !strings.ContainsRune(charset, c) {
				t.Errorf("token contains invalid character: %c", c)
			}
		}
	})
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "lease.pdf", "lease.pdf"},
		{"strips directory", "/path/to/lease.pdf", "lease.pdf"},
		{"strips windows path", "C:\\Users\\test\\lease.pdf", "lease.pdf"},
		{"empty name", "", "document"},
		{"dot name", ".", "document"},
		{"hidden file", ".env", "env"},
		{"replaces spaces and unicode", "my lease (v2)é.pdf", "my_lease__v2__.pdf"},
		{"replaces slashes", "a/b/c.pdf", "c.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}

	t.Run("limits length", func(t *testing.T) {
		result := sanitizeFilename(strings.Repeat("a", 300) + ".pdf")
		if len(result) != maxNameLength || !strings.HasSuffix(result, ".pdf") {
			t.Errorf("unexpected truncation: %q (%d)", result, len(result))
		}
	})
}

// --- Test doubles ---

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type failingAppend struct{ DocumentStore }

func (failingAppend) Append(context.Context, string, *model.DocumentEntry) (*model.DocumentEntry, error) {
	return nil, errors.New("database unavailable")
}

type recordingBlobs struct {
	storage.Store
	saved *[]string
}

func (r *recordingBlobs) Save(ctx context.Context, ref string, data io.Reader) (int64, error) {
	*r.saved = append(*r.saved, ref)
	return r.Store.Save(ctx, ref, data)
}
