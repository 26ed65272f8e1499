package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/maice-ai/maice/runtime/tutor/classlog"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getIntegrationClient(t *testing.T) Client {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}

	coll := testMongoClient.Database("classlog_test").Collection(t.Name())
	if err := coll.Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop collection: %v", err)
	}

	c, err := New(Options{
		Client:     testMongoClient,
		Database:   "classlog_test",
		Collection: t.Name(),
		Timeout:    10 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestIntegrationRecordAndList(t *testing.T) {
	c := getIntegrationClient(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := c.Record(ctx, classlog.Entry{
			SessionID:     7,
			RequestID:     fmt.Sprintf("req-%d", i),
			Question:      fmt.Sprintf("question %d", i),
			KnowledgeCode: "K1",
			Quality:       "good",
			UnitTags:      []string{"sets"},
			Latency:       time.Duration(i) * 100 * time.Millisecond,
			CreatedAt:     time.Unix(int64(i), 0),
		})
		require.NoError(t, err)
	}
	require.NoError(t, c.Record(ctx, classlog.Entry{
		SessionID: 8,
		RequestID: "req-other",
		Question:  "unrelated",
	}))

	page, err := c.ListBySession(ctx, 7, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "req-1", page.Entries[0].RequestID)
	assert.Equal(t, "req-2", page.Entries[1].RequestID)

	rest, err := c.ListBySession(ctx, 7, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, rest.Entries, 1)
	assert.Empty(t, rest.NextCursor)
	assert.Equal(t, "req-3", rest.Entries[0].RequestID)
	assert.Equal(t, 300*time.Millisecond, rest.Entries[0].Latency)
	assert.Equal(t, []string{"sets"}, rest.Entries[0].UnitTags)
}

func TestIntegrationPing(t *testing.T) {
	c := getIntegrationClient(t)

	assert.Equal(t, "classlog-mongo", c.Name())
	assert.NoError(t, c.Ping(context.Background()))
}
