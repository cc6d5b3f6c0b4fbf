package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"docvault/internal/server/codec"
	"docvault/internal/server/config"
	"docvault/internal/server/model"
	"docvault/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNoFile        = errors.New("file is required")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidExpiry = errors.New("invalid expiration date")
	ErrIntegrity     = errors.New("document storage is inconsistent")
	ErrFileTooLarge  = errors.New("file exceeds maximum allowed size")
)

const maxNameLength = 120

// DocumentStore persists per-user document metadata.
type DocumentStore interface {
	Append(ctx context.Context, userID string, entry *model.DocumentEntry) (*model.DocumentEntry, error)
	List(ctx context.Context, userID string) ([]model.DocumentEntry, error)
	FindByRef(ctx context.Context, userID, fragment string) (*model.DocumentEntry, error)
	Remove(ctx context.Context, userID, id string) (*model.DocumentEntry, error)
	ExpiringCollections(ctx context.Context, now, cutoff time.Time) ([]model.Collection, error)
	MarkNotified(ctx context.Context, userID, id string) error
}

// UploadInput is one incoming file plus the caller's form fields.
type UploadInput struct {
	Filename       string
	ContentType    string
	Size           int64
	Body           io.Reader
	DocumentName   string
	HasExpiry      bool
	ExpirationDate string
}

// DocumentService encrypts, stores, serves and deletes user documents.
type DocumentService struct {
	docs  DocumentStore
	blobs storage.Store
	codec *codec.Codec
	cfg   *config.Config
}

// NewDocumentService creates a new document service.
func NewDocumentService(docs DocumentStore, blobs storage.Store, c *codec.Codec, cfg *config.Config) *DocumentService {
	return &DocumentService{
		docs:  docs,
		blobs: blobs,
		codec: c,
		cfg:   cfg,
	}
}

// Upload encrypts the incoming file into the blob store and records its
// metadata. Metadata is written only after the blob is durable; if that
// write fails the blob is removed again.
func (s *DocumentService) Upload(ctx context.Context, userID string, in UploadInput) (*model.DocumentEntry, error) {
	// 1. Validate inputs before touching storage
	if in.Body == nil {
		return nil, ErrNoFile
	}
	if s.cfg.MaxFileSize > 0 && in.Size > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	name := strings.TrimSpace(in.DocumentName)
	if name == "" {
		return nil, fmt.Errorf("%w: documentName", ErrMissingField)
	}
	expiry, err := parseExpiry(in.HasExpiry, in.ExpirationDate)
	if err != nil {
		return nil, err
	}

	// 2. Pick a collision-resistant storage ref
	ref, err := newStorageRef(in.Filename, time.Now())
	if err != nil {
		return nil, err
	}

	// 3. Stream plaintext through the cipher into the blob store
	cipherStream, iv, err := s.codec.Encrypt(in.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := s.blobs.Save(ctx, ref, cipherStream); err != nil {
		return nil, fmt.Errorf("failed to store encrypted file: %w", err)
	}

	// 4. Stat the stored artifact and persist metadata
	size, err := s.blobs.Size(ctx, ref)
	if err != nil {
		s.discardBlob(ref)
		return nil, fmt.Errorf("failed to stat encrypted file: %w", err)
	}

	saved, err := s.docs.Append(ctx, userID, &model.DocumentEntry{
		DocumentName:   name,
		StorageRef:     ref,
		FileSize:       size,
		FileType:       in.ContentType,
		ExpirationDate: expiry,
		IV:             codec.EncodeIV(iv),
	})
	if err != nil {
		s.discardBlob(ref)
		return nil, fmt.Errorf("failed to save document metadata: %w", err)
	}

	slog.Info("document uploaded",
		"user_id", userID,
		"document_id", saved.ID,
		"storage_ref", ref,
		"encrypted_size", size,
		"has_expiry", expiry != nil,
	)
	return saved, nil
}

// List returns every document the user owns, oldest first.
func (s *DocumentService) List(ctx context.Context, userID string) ([]model.DocumentEntry, error) {
	entries, err := s.docs.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return entries, nil
}

// Download resolves ref to one of the user's documents and returns a stream
// of its decrypted bytes. The caller must close the stream.
func (s *DocumentService) Download(ctx context.Context, userID, ref string) (*model.DocumentEntry, io.ReadCloser, error) {
	if ref == "" {
		return nil, nil, model.ErrDocumentNotFound
	}
	entry, err := s.docs.FindByRef(ctx, userID, ref)
	if err != nil {
		return nil, nil, err
	}

	if _, err := s.blobs.Size(ctx, entry.StorageRef); err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			slog.Error("encrypted blob missing for document",
				"user_id", userID,
				"document_id", entry.ID,
				"storage_ref", entry.StorageRef,
			)
			return nil, nil, fmt.Errorf("%w: blob %s is missing", ErrIntegrity, entry.StorageRef)
		}
		return nil, nil, fmt.Errorf("failed to stat encrypted file: %w", err)
	}

	iv, err := codec.ParseIV(entry.IV)
	if err != nil {
		slog.Error("stored IV is malformed", "document_id", entry.ID, "error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	blob, err := s.blobs.Open(ctx, entry.StorageRef)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, nil, fmt.Errorf("%w: blob %s is missing", ErrIntegrity, entry.StorageRef)
		}
		return nil, nil, fmt.Errorf("failed to open encrypted file: %w", err)
	}

	plain, err := s.codec.Decrypt(blob, iv)
	if err != nil {
		blob.Close()
		return nil, nil, fmt.Errorf("failed to start decryption: %w", err)
	}

	return entry, readCloser{Reader: plain, Closer: blob}, nil
}

// Delete removes the document's metadata and then its blob. A blob that
// cannot be removed is logged; the document is already gone for the user.
func (s *DocumentService) Delete(ctx context.Context, userID, id string) error {
	entry, err := s.docs.Remove(ctx, userID, id)
	if err != nil {
		return err
	}

	if err := s.blobs.Delete(ctx, entry.StorageRef); err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			slog.Error("deleted document had no blob", "document_id", id, "storage_ref", entry.StorageRef)
		} else {
			slog.Error("failed to delete blob", "document_id", id, "storage_ref", entry.StorageRef, "error", err)
		}
	}

	slog.Info("document deleted", "user_id", userID, "document_id", id)
	return nil
}

func (s *DocumentService) discardBlob(ref string) {
	if err := s.blobs.Delete(context.Background(), ref); err != nil && !errors.Is(err, storage.ErrBlobNotFound) {
		slog.Error("failed to remove orphaned blob", "storage_ref", ref, "error", err)
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// --- Helpers ---

// parseExpiry accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func parseExpiry(hasExpiry bool, raw string) (*time.Time, error) {
	if !hasExpiry {
		return nil, nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: expirationDate", ErrMissingField)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidExpiry, raw)
}

// newStorageRef builds "<unix-ms>-<random>-<name>.enc".
func newStorageRef(filename string, now time.Time) (string, error) {
	token, err := generateSecureToken(12)
	if err != nil {
		return "", fmt.Errorf("failed to generate storage ref: %w", err)
	}
	return fmt.Sprintf("%d-%s-%s%s", now.UnixMilli(), token, sanitizeFilename(filename), storage.Suffix), nil
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// sanitizeFilename strips directory components, replaces anything outside
// [A-Za-z0-9._-] and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")

	if len(name) > maxNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxNameLength-len(ext)] + ext
	}

	if name == "" {
		name = "document"
	}
	return name
}
