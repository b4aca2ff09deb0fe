// Package mongodb implements the persistent certificate tier using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Aikoze/b2-smime-service/pkg/certificate"
	"github.com/Aikoze/b2-smime-service/pkg/certstore"
)

// Store implements certstore.Backend using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	certs  *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI        string
	Database   string
	Collection string
}

// document is one stored certificate. The full organisation code is the
// primary key, so a second insert for the same code is a duplicate key error.
type document struct {
	Code      string    `bson:"_id"`
	PEM       string    `bson:"pem"`
	Subject   string    `bson:"subject,omitempty"`
	Issuer    string    `bson:"issuer,omitempty"`
	NotBefore time.Time `bson:"not_before,omitempty"`
	NotAfter  time.Time `bson:"not_after,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

var _ certstore.Backend = (*Store)(nil)

// NewStore connects to MongoDB and prepares the certificate collection
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "b2smime"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "certificates"
	}

	db := client.Database(database)
	s := &Store{
		client: client,
		db:     db,
		certs:  db.Collection(collection),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.certs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "not_after", Value: 1}}},
	})
	return err
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Load returns the PEM text stored for code
func (s *Store) Load(ctx context.Context, code string) (string, error) {
	var doc document
	err := s.certs.FindOne(ctx, bson.M{"_id": code}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", certstore.ErrNotFound
	}
	if err != nil {
		return "", &certstore.StorageError{Op: "read", Path: s.path(code), Err: err}
	}
	return doc.PEM, nil
}

// Save inserts the certificate unless one is already stored for code
func (s *Store) Save(ctx context.Context, code, pemText string) error {
	_, err := s.certs.InsertOne(ctx, newDocument(code, pemText, time.Now()))
	if mongo.IsDuplicateKeyError(err) {
		return certstore.ErrExists
	}
	if err != nil {
		return &certstore.StorageError{Op: "write", Path: s.path(code), Err: err}
	}
	return nil
}

// List returns the codes of all stored certificates
func (s *Store) List(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := s.certs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, &certstore.StorageError{Op: "list", Path: s.certs.Name(), Err: err}
	}
	defer cursor.Close(ctx)

	var codes []string
	for cursor.Next(ctx) {
		var doc struct {
			Code string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		codes = append(codes, doc.Code)
	}
	if err := cursor.Err(); err != nil {
		return nil, &certstore.StorageError{Op: "list", Path: s.certs.Name(), Err: err}
	}
	return codes, nil
}

// ExpiringBefore returns the codes of certificates whose validity ends
// before t
func (s *Store) ExpiringBefore(ctx context.Context, t time.Time) ([]string, error) {
	cursor, err := s.certs.Find(ctx, bson.M{"not_after": bson.M{"$lt": t}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []struct {
		Code string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(docs))
	for _, doc := range docs {
		codes = append(codes, doc.Code)
	}
	return codes, nil
}

func (s *Store) path(code string) string {
	return s.db.Name() + "." + s.certs.Name() + "/" + code
}

// newDocument builds the stored form of a certificate. Metadata is best
// effort; a certificate whose metadata cannot be read is still stored.
func newDocument(code, pemText string, now time.Time) document {
	doc := document{Code: code, PEM: pemText, CreatedAt: now.UTC()}
	if meta, err := certificate.ParseMetadata(pemText); err == nil {
		doc.Subject = meta.SubjectCN
		doc.Issuer = meta.IssuerCN
		doc.NotBefore = meta.NotBefore.UTC()
		doc.NotAfter = meta.NotAfter.UTC()
	}
	return doc
}
