package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_core/internal/identity"
	"e2e_core/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	ContactRepo struct {
		collection *mongo.Collection
	}

	document struct {
		ID            primitive.ObjectID `bson:"_id,omitempty"`
		Identity      string             `bson:"identity"`
		PublicKey     []byte             `bson:"public_key"`
		ForwardSecure bool               `bson:"forward_secure"`
		CreatedAt     time.Time          `bson:"created_at"`
	}
)

var _ identity.Directory = (*ContactRepo)(nil)

func NewContactRepo(db *mongo.Database) *ContactRepo {
	return &ContactRepo{
		collection: db.Collection("contacts"),
	}
}

func (r *ContactRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identity", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *ContactRepo) GetByIdentity(ctx context.Context, id model.Identity) (*model.Contact, error) {
	filter := bson.M{
		"identity": id.String(),
	}

	var doc document
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	pk, err := model.PublicKeyFromBytes(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", id, err)
	}
	return &model.Contact{
		Identity:      model.Identity(doc.Identity),
		PublicKey:     pk,
		ForwardSecure: doc.ForwardSecure,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

// Upsert stores c, keeping the creation time of an existing record.
func (r *ContactRepo) Upsert(ctx context.Context, c model.Contact) error {
	if !c.Identity.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidIdentity, c.Identity)
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := r.collection.UpdateOne(ctx,
		bson.M{"identity": c.Identity.String()},
		bson.M{
			"$set": bson.M{
				"public_key":     c.PublicKey[:],
				"forward_secure": c.ForwardSecure,
			},
			"$setOnInsert": bson.M{"created_at": created},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// PublicKey resolves the key of id, identity.ErrUnknownIdentity when there is no contact.
func (r *ContactRepo) PublicKey(ctx context.Context, id model.Identity) (model.PublicKey, error) {
	c, err := r.GetByIdentity(ctx, id)
	if err != nil {
		return model.PublicKey{}, err
	}
	if c == nil {
		return model.PublicKey{}, fmt.Errorf("%w: %s", identity.ErrUnknownIdentity, id)
	}
	return c.PublicKey, nil
}
