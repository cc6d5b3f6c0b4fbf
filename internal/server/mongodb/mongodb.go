// Package mongodb stores each user's collection as one MongoDB document
// with an embedded entry array. Appends and removals use $push and $pull
// so concurrent requests for the same user never overwrite each other.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docvault/internal/server/model"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	documentsCollection = "documents"
	usersCollection     = "users"
)

type entryDoc struct {
	ID             string     `bson:"_id"`
	DocumentName   string     `bson:"documentName"`
	StorageRef     string     `bson:"storageRef"`
	FileSize       int64      `bson:"fileSize"`
	FileType       string     `bson:"fileType"`
	ExpirationDate *time.Time `bson:"expirationDate"`
	IsOffline      bool       `bson:"isOffline"`
	Notified       bool       `bson:"notified"`
	IV             string     `bson:"iv"`
	CreatedAt      time.Time  `bson:"createdAt"`
}

type collectionDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	User      string             `bson:"user"`
	Document  []entryDoc         `bson:"document"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Username  string    `bson:"username"`
	Email     string    `bson:"email"`
	Password  string    `bson:"password"`
	FCMToken  *string   `bson:"fcmToken,omitempty"`
	IsOnline  bool      `bson:"isOnline"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Store implements the document and user stores on one database.
type Store struct {
	client   *mongo.Client
	database *mongo.Database
}

// Connect dials the server, verifies it and prepares indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &Store{client: client, database: client.Database(database)}
	s.ensureIndexes(ctx)
	slog.Info("connected to mongodb", "database", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.database.Collection(documentsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "document.expirationDate", Value: 1}}},
	})
	if err != nil {
		slog.Warn("failed to create document indexes", "error", err)
	}

	_, err = s.database.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		slog.Warn("failed to create user indexes", "error", err)
	}
}

// HealthCheck pings the primary.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) documents() *mongo.Collection { return s.database.Collection(documentsCollection) }
func (s *Store) users() *mongo.Collection     { return s.database.Collection(usersCollection) }

func (s *Store) Append(ctx context.Context, userID string, entry *model.DocumentEntry) (*model.DocumentEntry, error) {
	now := time.Now().UTC()
	doc := toEntryDoc(entry)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}

	update := bson.M{
		"$push":        bson.M{"document": doc},
		"$set":         bson.M{"updatedAt": now},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	opts := options.Update().SetUpsert(true)

	_, err := s.documents().UpdateOne(ctx, bson.M{"user": userID}, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// Two first uploads raced on the upsert; the collection exists now.
		_, err = s.documents().UpdateOne(ctx, bson.M{"user": userID}, update, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append document: %w", err)
	}

	saved := fromEntryDoc(doc)
	return &saved, nil
}

func (s *Store) List(ctx context.Context, userID string) ([]model.DocumentEntry, error) {
	c, err := s.findCollection(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrDocumentNotFound) {
			return []model.DocumentEntry{}, nil
		}
		return nil, err
	}
	return fromCollectionDoc(c).Entries, nil
}

func (s *Store) FindByRef(ctx context.Context, userID, fragment string) (*model.DocumentEntry, error) {
	if fragment == "" {
		return nil, model.ErrDocumentNotFound
	}
	c, err := s.findCollection(ctx, userID)
	if err != nil {
		return nil, err
	}

	var found *model.DocumentEntry
	for _, d := range c.Document {
		if !strings.Contains(d.StorageRef, fragment) {
			continue
		}
		if found != nil {
			return nil, model.ErrAmbiguousReference
		}
		e := fromEntryDoc(d)
		found = &e
	}
	if found == nil {
		return nil, model.ErrDocumentNotFound
	}
	return found, nil
}

func (s *Store) Remove(ctx context.Context, userID, id string) (*model.DocumentEntry, error) {
	var before collectionDoc
	err := s.documents().FindOneAndUpdate(ctx,
		bson.M{"user": userID, "document._id": id},
		bson.M{
			"$pull": bson.M{"document": bson.M{"_id": id}},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to remove document: %w", err)
	}

	for _, d := range before.Document {
		if d.ID == id {
			e := fromEntryDoc(d)
			return &e, nil
		}
	}
	return nil, model.ErrDocumentNotFound
}

func (s *Store) ExpiringCollections(ctx context.Context, now, cutoff time.Time) ([]model.Collection, error) {
	cursor, err := s.documents().Find(ctx, expiringFilter(now, cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []collectionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode expiring documents: %w", err)
	}

	out := make([]model.Collection, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromCollectionDoc(d))
	}
	return out, nil
}

func (s *Store) MarkNotified(ctx context.Context, userID, id string) error {
	res, err := s.documents().UpdateOne(ctx,
		bson.M{"user": userID, "document._id": id},
		bson.M{"$set": bson.M{"document.$.notified": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark document notified: %w", err)
	}
	if res.MatchedCount == 0 {
		return model.ErrDocumentNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.users().InsertOne(ctx, userDoc{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Password:  u.PasswordHash,
		FCMToken:  u.DeviceToken,
		IsOnline:  u.IsOnline,
		CreatedAt: u.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *Store) SetOnline(ctx context.Context, id string, online bool) error {
	return s.updateUser(ctx, id, bson.M{"isOnline": online})
}

func (s *Store) SetDeviceToken(ctx context.Context, id, token string) error {
	return s.updateUser(ctx, id, bson.M{"fcmToken": token})
}

func (s *Store) findCollection(ctx context.Context, userID string) (collectionDoc, error) {
	var c collectionDoc
	err := s.documents().FindOne(ctx, bson.M{"user": userID}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c, model.ErrDocumentNotFound
		}
		return c, fmt.Errorf("failed to find collection: %w", err)
	}
	return c, nil
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*model.User, error) {
	var d userDoc
	if err := s.users().FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &model.User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.Password,
		DeviceToken:  d.FCMToken,
		IsOnline:     d.IsOnline,
		CreatedAt:    d.CreatedAt,
	}, nil
}

func (s *Store) updateUser(ctx context.Context, id string, set bson.M) error {
	res, err := s.users().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

// expiringFilter matches collections holding at least one unnotified entry
// expiring in (now, cutoff].
func expiringFilter(now, cutoff time.Time) bson.M {
	return bson.M{
		"document": bson.M{
			"$elemMatch": bson.M{
				"expirationDate": bson.M{"$ne": nil, "$gt": now, "$lte": cutoff},
				"notified":       bson.M{"$ne": true},
			},
		},
	}
}

func toEntryDoc(e *model.DocumentEntry) entryDoc {
	return entryDoc{
		ID:             e.ID,
		DocumentName:   e.DocumentName,
		StorageRef:     e.StorageRef,
		FileSize:       e.FileSize,
		FileType:       e.FileType,
		ExpirationDate: e.ExpirationDate,
		IsOffline:      e.IsOffline,
		Notified:       e.Notified,
		IV:             e.IV,
		CreatedAt:      e.CreatedAt,
	}
}

func fromEntryDoc(d entryDoc) model.DocumentEntry {
	return model.DocumentEntry{
		ID:             d.ID,
		DocumentName:   d.DocumentName,
		StorageRef:     d.StorageRef,
		FileURL:        model.DownloadPrefix + d.StorageRef,
		FileSize:       d.FileSize,
		FileType:       d.FileType,
		ExpirationDate: d.ExpirationDate,
		IsOffline:      d.IsOffline,
		Notified:       d.Notified,
		IV:             d.IV,
		CreatedAt:      d.CreatedAt,
	}
}

func fromCollectionDoc(d collectionDoc) model.Collection {
	c := model.Collection{
		UserID:    d.User,
		Entries:   make([]model.DocumentEntry, 0, len(d.Document)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, e := range d.Document {
		c.Entries = append(c.Entries, fromEntryDoc(e))
	}
	return c
}
