// Package notify delivers expiry reminders to a user's registered device.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docvault/internal/server/model"

	"google.golang.org/api/fcm/v1"
	"google.golang.org/api/option"
)

var (
	ErrNoDeviceToken = errors.New("user has no registered device token")
	ErrPushDisabled  = errors.New("push messaging is not configured")
)

// Message is one push notification.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Sender hands a message to the push backend and returns its message ID.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// UserLookup is the user-store subset the dispatcher needs.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// Dispatcher builds reminders for expiring documents and sends them.
type Dispatcher struct {
	users  UserLookup
	sender Sender
	loc    *time.Location
}

// NewDispatcher creates a Dispatcher that formats dates in loc.
func NewDispatcher(users UserLookup, sender Sender, loc *time.Location) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{users: users, sender: sender, loc: loc}
}

// Dispatch sends one reminder about entry to userID's device.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, entry model.DocumentEntry) error {
	u, err := d.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if u.DeviceToken == nil || *u.DeviceToken == "" {
		slog.Info("no device token, skipping notification", "user_id", userID, "document_id", entry.ID)
		return ErrNoDeviceToken
	}

	msg := ExpiryMessage(entry, d.loc)
	msg.Token = *u.DeviceToken

	id, err := d.sender.Send(ctx, msg)
	if err != nil {
		slog.Error("failed to send notification",
			"user_id", userID,
			"document_id", entry.ID,
			"error", err,
		)
		return fmt.Errorf("failed to send notification: %w", err)
	}

	slog.Info("notification sent",
		"user_id", userID,
		"document_id", entry.ID,
		"document", entry.DocumentName,
		"message_id", id,
	)
	return nil
}

// ExpiryMessage builds the title and body for an expiring entry.
func ExpiryMessage(entry model.DocumentEntry, loc *time.Location) Message {
	body := "Expires soon"
	if entry.ExpirationDate != nil {
		body = "Expires on " + entry.ExpirationDate.In(loc).Format("02 Jan 2006")
	}
	return Message{
		Title: fmt.Sprintf("%s is expiring soon. Please renew it.", entry.DocumentName),
		Body:  body,
		Data: map[string]string{
			"documentId": entry.ID,
			"fileURL":    entry.FileURL,
		},
	}
}

// FCMSender sends through the Firebase Cloud Messaging HTTP v1 API.
type FCMSender struct {
	svc    *fcm.Service
	parent string
}

// NewFCMSender authenticates with a service-account credentials file.
func NewFCMSender(ctx context.Context, credentialsFile, projectID string) (*FCMSender, error) {
	svc, err := fcm.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create fcm client: %w", err)
	}
	return &FCMSender{svc: svc, parent: "projects/" + projectID}, nil
}

func (s *FCMSender) Send(ctx context.Context, msg Message) (string, error) {
	resp, err := s.svc.Projects.Messages.Send(s.parent, &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: msg.Token,
			Notification: &fcm.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: msg.Data,
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}

// DisabledSender fails every send; it stands in when no credential is configured.
type DisabledSender struct{}

func (DisabledSender) Send(context.Context, Message) (string, error) {
	return "", ErrPushDisabled
}
