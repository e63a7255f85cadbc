package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type userDoc struct {
	ID           string `bson:"_id"`
	Name         string `bson:"name"`
	ChatHandle   string `bson:"chat_handle"`
	ChatMemberID string `bson:"chat_member_id,omitempty"`
}

type groupDoc struct {
	ID           string   `bson:"_id"`
	Title        string   `bson:"title"`
	ChatChannels []string `bson:"chat_channels"`
}

// membershipDoc is one (user, group) pair, as in the platform's group_memberships collection.
type membershipDoc struct {
	GroupID   string    `bson:"group_id"`
	UserID    string    `bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
}

type recordDoc struct {
	GroupID        string    `bson:"_id"`
	Title          string    `bson:"title"`
	State          string    `bson:"state"`
	RoleID         string    `bson:"role_id,omitempty"`
	RoleCreated    bool      `bson:"role_created"`
	TextChannelID  string    `bson:"text_channel_id,omitempty"`
	VoiceChannelID string    `bson:"voice_channel_id,omitempty"`
	Attempts       int       `bson:"attempts"`
	LastError      string    `bson:"last_error,omitempty"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func (d recordDoc) record() ProvisionRecord {
	return ProvisionRecord{
		GroupID: d.GroupID, Title: d.Title, State: ProvisionState(d.State),
		RoleID: d.RoleID, RoleCreated: d.RoleCreated,
		TextChannelID: d.TextChannelID, VoiceChannelID: d.VoiceChannelID,
		Attempts: d.Attempts, LastError: d.LastError, UpdatedAt: d.UpdatedAt,
	}
}

// Mongo is the document-store Backend.
type Mongo struct {
	client      *mongo.Client
	users       *mongo.Collection
	groups      *mongo.Collection
	memberships *mongo.Collection
	records     *mongo.Collection
}

var _ Backend = (*Mongo)(nil)

// OpenMongo connects to uri, verifies the primary answers and ensures indexes.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	m := NewMongo(client, client.Database(database))
	if err := m.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

// NewMongo wraps an existing database.
func NewMongo(client *mongo.Client, db *mongo.Database) *Mongo {
	return &Mongo{
		client:      client,
		users:       db.Collection("users"),
		groups:      db.Collection("groups"),
		memberships: db.Collection("group_memberships"),
		records:     db.Collection("chat_provisioning"),
	}
}

// EnsureIndexes creates the lookup indexes used by this service.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	if _, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "chat_handle", Value: 1}}}); err != nil {
		return fmt.Errorf("index users.chat_handle: %w", err)
	}
	if _, err := m.memberships.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "group_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("index group_memberships: %w", err)
	}
	if _, err := m.records.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "state", Value: 1}, {Key: "updated_at", Value: 1}}}); err != nil {
		return fmt.Errorf("index chat_provisioning.state: %w", err)
	}
	return nil
}

func (m *Mongo) GetUserByChatHandle(ctx context.Context, handle string) (*User, error) {
	var d userDoc
	err := m.users.FindOne(ctx, bson.M{"chat_handle": handle}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &User{ID: d.ID, Name: d.Name, ChatHandle: d.ChatHandle, ChatMemberID: d.ChatMemberID}, nil
}

func (m *Mongo) GetUserByID(ctx context.Context, id string) (*User, error) {
	var d userDoc
	err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &User{ID: d.ID, Name: d.Name, ChatHandle: d.ChatHandle, ChatMemberID: d.ChatMemberID}, nil
}

func (m *Mongo) SetChatMemberID(ctx context.Context, userID, memberID string) error {
	res, err := m.users.UpdateByID(ctx, userID, bson.M{"$set": bson.M{"chat_member_id": memberID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) GetGroup(ctx context.Context, id string) (*Group, error) {
	var d groupDoc
	err := m.groups.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Group{ID: d.ID, Title: d.Title, ChatChannelRefs: d.ChatChannels}, nil
}

func (m *Mongo) GetGroupsByUserID(ctx context.Context, userID string) ([]Group, error) {
	cur, err := m.memberships.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var ms []membershipDoc
	if err := cur.All(ctx, &ms); err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, nil
	}
	ids := lo.Map(ms, func(d membershipDoc, _ int) string { return d.GroupID })

	cur, err = m.groups.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var docs []groupDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	byID := lo.KeyBy(docs, func(d groupDoc) string { return d.ID })
	// Keep membership order.
	return lo.FilterMap(ids, func(id string, _ int) (Group, bool) {
		d, ok := byID[id]
		return Group{ID: d.ID, Title: d.Title, ChatChannelRefs: d.ChatChannels}, ok
	}), nil
}

// SetChatChannelRefs is a single-document update, which Mongo applies atomically.
func (m *Mongo) SetChatChannelRefs(ctx context.Context, groupID string, refs []string) error {
	res, err := m.groups.UpdateByID(ctx, groupID, bson.M{"$set": bson.M{"chat_channels": refs}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) GetRecord(ctx context.Context, groupID string) (*ProvisionRecord, error) {
	var d recordDoc
	err := m.records.FindOne(ctx, bson.M{"_id": groupID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := d.record()
	return &r, nil
}

func (m *Mongo) SaveRecord(ctx context.Context, r ProvisionRecord) error {
	d := recordDoc{
		GroupID: r.GroupID, Title: r.Title, State: string(r.State),
		RoleID: r.RoleID, RoleCreated: r.RoleCreated,
		TextChannelID: r.TextChannelID, VoiceChannelID: r.VoiceChannelID,
		Attempts: r.Attempts, LastError: r.LastError, UpdatedAt: time.Now().UTC(),
	}
	_, err := m.records.ReplaceOne(ctx, bson.M{"_id": r.GroupID}, d, options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) ListPending(ctx context.Context) ([]ProvisionRecord, error) {
	filter := bson.M{"state": bson.M{"$nin": bson.A{string(StateComplete), string(StateFailed)}}}
	cur, err := m.records.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return lo.Map(docs, func(d recordDoc, _ int) ProvisionRecord { return d.record() }), nil
}

func (m *Mongo) CountByState(ctx context.Context) (map[ProvisionState]int, error) {
	cur, err := m.records.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$state"}, {Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		State string `bson:"_id"`
		N     int    `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make(map[ProvisionState]int, len(rows))
	for _, r := range rows {
		out[ProvisionState(r.State)] = r.N
	}
	return out, nil
}

func (m *Mongo) Ping(ctx context.Context) error { return m.client.Ping(ctx, readpref.Primary()) }

func (m *Mongo) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }
