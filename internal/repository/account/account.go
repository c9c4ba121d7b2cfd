// Package account keeps the local identity and its key pair.
package account

import (
	"context"
	"errors"
	"time"

	"e2e_core/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	AccountRepo struct {
		collection *mongo.Collection
	}

	document struct {
		ID         primitive.ObjectID `bson:"_id,omitempty"`
		Identity   string             `bson:"identity"`
		PublicKey  []byte             `bson:"public_key"`
		PrivateKey []byte             `bson:"private_key"`
		CreatedAt  time.Time          `bson:"created_at"`
	}
)

func NewAccountRepo(db *mongo.Database) *AccountRepo {
	return &AccountRepo{
		collection: db.Collection("accounts"),
	}
}

// GetByIdentity returns nil, nil when the account does not exist.
func (r *AccountRepo) GetByIdentity(ctx context.Context, id model.Identity) (*model.KeyPair, error) {
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

	pub, err := model.PublicKeyFromBytes(doc.PublicKey)
	if err != nil {
		return nil, err
	}
	if len(doc.PrivateKey) != model.KeyLength {
		return nil, model.ErrInvalidKey
	}

	kp := &model.KeyPair{Public: pub}
	copy(kp.Private[:], doc.PrivateKey)
	return kp, nil
}

func (r *AccountRepo) Create(ctx context.Context, id model.Identity, kp *model.KeyPair) (primitive.ObjectID, error) {
	res, err := r.collection.InsertOne(ctx, document{
		Identity:   id.String(),
		PublicKey:  kp.Public[:],
		PrivateKey: kp.Private[:],
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return primitive.NilObjectID, err
	}

	return res.InsertedID.(primitive.ObjectID), nil
}
