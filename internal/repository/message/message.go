// Package message stores processed messages and the conversations they belong to.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_core/internal/model"
	"e2e_core/internal/processor"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNoConversation = processor.ErrNoConversation

type (
	MessageRepo struct {
		messages      *mongo.Collection
		conversations *mongo.Collection
	}

	document struct {
		ID           primitive.ObjectID `bson:"_id,omitempty"`
		MessageID    string             `bson:"message_id"`
		From         string             `bson:"from"`
		To           string             `bson:"to"`
		Type         int                `bson:"type"`
		Body         []byte             `bson:"body"`
		PushFromName string             `bson:"push_from_name,omitempty"`
		Date         time.Time          `bson:"date"`
		DeliveryDate time.Time          `bson:"delivery_date,omitempty"`
		Flags        int                `bson:"flags"`
		FSMode       int                `bson:"fs_mode"`
		AfterQueue   bool               `bson:"received_after_initial_queue_send"`
	}

	Conversation struct {
		Peer          string    `bson:"peer"`
		Archived      bool      `bson:"archived"`
		Unread        int       `bson:"unread"`
		LastMessageID string    `bson:"last_message_id"`
		LastMessageAt time.Time `bson:"last_message_at"`
		CreatedAt     time.Time `bson:"created_at"`
	}
)

var _ processor.EntityStore = (*MessageRepo)(nil)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		messages:      db.Collection("messages"),
		conversations: db.Collection("conversations"),
	}
}

func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	if _, err := r.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "from", Value: 1}, {Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := r.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "peer", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// StoreMessage inserts msg once per (sender, id) and updates its conversation
// as policy allows.
func (r *MessageRepo) StoreMessage(ctx context.Context, msg *model.Message, policy processor.ConversationPolicy) (bool, error) {
	if policy.Needs && !policy.Create {
		n, err := r.conversations.CountDocuments(ctx, bson.M{"peer": msg.From.String()})
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, fmt.Errorf("%w: %s from %s", ErrNoConversation, msg.Type(), msg.From)
		}
	}

	doc, err := toDocument(msg)
	if err != nil {
		return false, err
	}

	if _, err := r.messages.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}

	if !policy.Needs && !policy.Create {
		return true, nil
	}

	set := bson.M{
		"last_message_id": doc.MessageID,
		"last_message_at": doc.Date,
	}
	if policy.Unarchive {
		set["archived"] = false
	}
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"unread": 1},
	}
	if policy.Create {
		onInsert := bson.M{"created_at": time.Now().UTC()}
		if !policy.Unarchive {
			onInsert["archived"] = false
		}
		update["$setOnInsert"] = onInsert
	}
	_, err = r.conversations.UpdateOne(ctx, bson.M{"peer": doc.From}, update, options.Update().SetUpsert(policy.Create))
	return true, err
}

// StoreOutgoing records a message this device sent. The recipient's
// conversation is created or unarchived but its unread count is left alone.
func (r *MessageRepo) StoreOutgoing(ctx context.Context, msg *model.Message) error {
	doc, err := toDocument(msg)
	if err != nil {
		return err
	}
	if _, err := r.messages.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"last_message_id": doc.MessageID,
			"last_message_at": doc.Date,
			"archived":        false,
		},
		"$setOnInsert": bson.M{"created_at": time.Now().UTC(), "unread": 0},
	}
	_, err = r.conversations.UpdateOne(ctx, bson.M{"peer": doc.To}, update, options.Update().SetUpsert(true))
	return err
}

func toDocument(msg *model.Message) (document, error) {
	body, err := msg.Body()
	if err != nil && !errors.Is(err, model.ErrNoBody) {
		return document{}, err
	}
	doc := document{
		MessageID:    msg.ID().String(),
		From:         msg.From.String(),
		To:           msg.To.String(),
		Type:         int(msg.Type()),
		Body:         body,
		PushFromName: msg.PushFromName,
		Date:         msg.Date(),
		Flags:        int(msg.Flags),
		FSMode:       int(msg.FSMode),
		AfterQueue:   msg.ReceivedAfterInitialQueueSend,
	}
	if d, ok := msg.DeliveryDate(); ok {
		doc.DeliveryDate = d
	}
	return doc, nil
}

func (r *MessageRepo) Conversation(ctx context.Context, peer model.Identity) (*Conversation, error) {
	var c Conversation
	err := r.conversations.FindOne(ctx, bson.M{"peer": peer.String()}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *MessageRepo) Archive(ctx context.Context, peer model.Identity) error {
	_, err := r.conversations.UpdateOne(ctx, bson.M{"peer": peer.String()}, bson.M{"$set": bson.M{"archived": true}})
	return err
}

// Recent returns up to limit messages exchanged with peer in either
// direction, oldest first.
func (r *MessageRepo) Recent(ctx context.Context, peer model.Identity, limit int64) ([]*model.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"from": peer.String()},
		bson.M{"to": peer.String()},
	}}
	cur, err := r.messages.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "date", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	msgs := make([]*model.Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		m, err := restore(docs[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func restore(doc document) (*model.Message, error) {
	variant, ok := model.Lookup(model.Type(doc.Type))
	if !ok {
		return nil, fmt.Errorf("%w: stored type 0x%02x", model.ErrUnknownVariant, doc.Type)
	}
	content, err := variant.Parse(doc.Body)
	if err != nil {
		return nil, err
	}
	id, err := model.ParseMessageID(doc.MessageID)
	if err != nil {
		return nil, err
	}

	m := model.RestoreMessage(id, doc.Date.UTC(), model.Identity(doc.From), model.Identity(doc.To), content)
	m.PushFromName = doc.PushFromName
	m.Flags = model.Flags(doc.Flags)
	m.FSMode = model.ForwardSecurityMode(doc.FSMode)
	m.ReceivedAfterInitialQueueSend = doc.AfterQueue
	if !doc.DeliveryDate.IsZero() {
		if err := m.MarkDelivered(doc.DeliveryDate.UTC()); err != nil {
			return nil, err
		}
	}
	return m, nil
}
