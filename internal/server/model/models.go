// Package model holds the entities shared by the document stores, the
// pipelines and the expiry scanner.
package model

import (
	"errors"
	"time"
)

var (
	ErrDocumentNotFound   = errors.New("document not found")
	ErrAmbiguousReference = errors.New("document reference matches more than one entry")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
)

// DownloadPrefix is the public path under which blobs are served.
const DownloadPrefix = "/api/documents/download/"

// DocumentEntry is the metadata of one uploaded, encrypted file.
type DocumentEntry struct {
	ID             string     `json:"id"`
	DocumentName   string     `json:"documentName"`
	StorageRef     string     `json:"storageRef"`
	FileURL        string     `json:"fileURL"`
	FileSize       int64      `json:"fileSize"` // ciphertext length
	FileType       string     `json:"fileType"`
	ExpirationDate *time.Time `json:"expirationDate"`
	IsOffline      bool       `json:"isOffline"`
	Notified       bool       `json:"notified"`
	IV             string     `json:"iv"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ExpiresWithin reports whether the entry expires in the half-open window
// (now, cutoff]. Entries without an expiration date never qualify.
func (e *DocumentEntry) ExpiresWithin(now, cutoff time.Time) bool {
	if e.ExpirationDate == nil {
		return false
	}
	exp := *e.ExpirationDate
	return exp.After(now) && !exp.After(cutoff)
}

// Collection is the ordered set of entries owned by one user.
type Collection struct {
	UserID    string
	Entries   []DocumentEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is the account record consulted for presence and device tokens.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	DeviceToken  *string // nil until the client registers one
	IsOnline     bool
	CreatedAt    time.Time
}
