package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type mongoSeeder struct{ m *Mongo }

func (s mongoSeeder) addUser(t *testing.T, u User) {
	_, err := s.m.users.InsertOne(context.Background(), userDoc{ID: u.ID, Name: u.Name, ChatHandle: u.ChatHandle})
	require.NoError(t, err)
}

func (s mongoSeeder) addGroup(t *testing.T, g Group) {
	_, err := s.m.groups.InsertOne(context.Background(), groupDoc{ID: g.ID, Title: g.Title})
	require.NoError(t, err)
}

func (s mongoSeeder) addMembership(t *testing.T, userID, groupID string) {
	_, err := s.m.memberships.InsertOne(context.Background(), membershipDoc{GroupID: groupID, UserID: userID, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
}

func TestMongoBackend(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping mongo backend test")
	}
	ctx := context.Background()
	dbName := fmt.Sprintf("guildsync_test_%s", uuid.NewString()[:8])
	m, err := OpenMongo(ctx, uri, dbName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.client.Database(dbName).Drop(ctx)
		_ = m.Close(ctx)
	})

	runBackendContract(t, m, mongoSeeder{m})

	// The unique membership index rejects duplicates.
	_, err = m.memberships.InsertOne(ctx, bson.M{"group_id": "g1", "user_id": "u1"})
	require.Error(t, err)
}
