package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/internal/testutil"
)

type MongoStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
	dbName string
}

func TestMongoStoreTestSuite(t *testing.T) {
	uri := testutil.MongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	suite.Run(t, &MongoStoreTestSuite{client: client, dbName: "stepflow_test"})
}

func (s *MongoStoreTestSuite) newPersistence(t *testing.T) Persistence {
	ctx := context.Background()
	require.NoError(t, s.client.Database(s.dbName).Drop(ctx))
	p, err := NewMongoPersistence(ctx, s.client, s.dbName)
	require.NoError(t, err)
	return p
}

func (s *MongoStoreTestSuite) TestContract() {
	runStoreContract(s.T(), s.newPersistence)
}

func (s *MongoStoreTestSuite) TestTerminalRecordCarriesTTLField() {
	t := s.T()
	p := s.newPersistence(t)
	ctx := context.Background()

	rec := newRecord("ttl")
	require.NoError(t, p.Records.Create(ctx, rec))
	rec.Status = "SUCCEEDED"
	rec.ExpiresAt = baseTime.Add(time.Hour)
	require.NoError(t, p.Records.Put(ctx, rec))

	var doc mongoRecordDoc
	err := s.client.Database(s.dbName).Collection("executions").
		FindOne(ctx, map[string]any{"_id": "ttl"}).Decode(&doc)
	require.NoError(t, err)
	require.NotNil(t, doc.ExpireOn)
	require.True(t, doc.ExpireOn.Equal(baseTime.Add(time.Hour)))
}
