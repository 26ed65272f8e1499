// Package mongo implements the low-level MongoDB client used by the
// classification audit log.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/maice-ai/maice/runtime/tutor/classlog"
)

type (
	// Client exposes Mongo-backed operations for the classification audit log.
	Client interface {
		health.Pinger

		Record(ctx context.Context, e classlog.Entry) error
		ListBySession(ctx context.Context, sessionID int64, cursor string, limit int) (Page, error)
	}

	// Page is one page of classification entries in insertion order.
	Page struct {
		Entries    []classlog.Entry
		NextCursor string
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	entryDocument struct {
		ID              primitive.ObjectID `bson:"_id,omitempty"`
		SessionID       int64              `bson:"session_id"`
		RequestID       string             `bson:"request_id"`
		Question        string             `bson:"question"`
		KnowledgeCode   string             `bson:"knowledge_code"`
		Quality         string             `bson:"quality"`
		MissingFields   []string           `bson:"missing_fields,omitempty"`
		UnitTags        []string           `bson:"unit_tags,omitempty"`
		Reasoning       string             `bson:"reasoning,omitempty"`
		SecurityFlagged bool               `bson:"security_flagged"`
		LatencyMS       int64              `bson:"latency_ms"`
		CreatedAt       time.Time          `bson:"created_at"`
	}
)

const (
	defaultCollection = "classifications"
	defaultTimeout    = 5 * time.Second
	clientName        = "classlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Record(ctx context.Context, e classlog.Entry) error {
	if e.SessionID <= 0 {
		return errors.New("session id is required")
	}
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	if e.Question == "" {
		return errors.New("question is required")
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := entryDocument{
		SessionID:       e.SessionID,
		RequestID:       e.RequestID,
		Question:        e.Question,
		KnowledgeCode:   e.KnowledgeCode,
		Quality:         e.Quality,
		MissingFields:   append([]string(nil), e.MissingFields...),
		UnitTags:        append([]string(nil), e.UnitTags...),
		Reasoning:       e.Reasoning,
		SecurityFlagged: e.SecurityFlagged,
		LatencyMS:       e.Latency.Milliseconds(),
		CreatedAt:       createdAt.UTC(),
	}
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c *client) ListBySession(ctx context.Context, sessionID int64, cursor string, limit int) (page Page, err error) {
	if sessionID <= 0 {
		return Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"session_id": sessionID}
	if cursor != "" {
		oid, err := primitive.ObjectIDFromHex(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var (
		entries []classlog.Entry
		ids     []primitive.ObjectID
	)
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return Page{}, err
		}
		entries = append(entries, classlog.Entry{
			SessionID:       doc.SessionID,
			RequestID:       doc.RequestID,
			Question:        doc.Question,
			KnowledgeCode:   doc.KnowledgeCode,
			Quality:         doc.Quality,
			MissingFields:   append([]string(nil), doc.MissingFields...),
			UnitTags:        append([]string(nil), doc.UnitTags...),
			Reasoning:       doc.Reasoning,
			SecurityFlagged: doc.SecurityFlagged,
			Latency:         time.Duration(doc.LatencyMS) * time.Millisecond,
			CreatedAt:       doc.CreatedAt,
		})
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return Page{}, err
	}

	var next string
	if len(entries) > limit {
		next = ids[limit-1].Hex()
		entries = entries[:limit]
	}
	return Page{
		Entries:    entries,
		NextCursor: next,
	}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
