// Package audit persists Call/Subscribe dispatch outcomes to MongoDB,
// wired in as a channel.DispatchObserver so that a deployment can keep a
// durable record of what was dispatched without the dispatch path itself
// depending on storage.
package audit

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/telemetry"
)

const (
	defaultCollection = "dispatch_records"
	defaultTimeout    = 5 * time.Second
)

type record struct {
	Channel   string        `bson:"channel"`
	Method    string        `bson:"method"`
	Kind      string        `bson:"kind"`
	Outcome   string        `bson:"outcome"`
	RequestID int64         `bson:"request_id"`
	Duration  time.Duration `bson:"duration_ns"`
	Observed  time.Time     `bson:"observed_at"`
}

// Options configures an Observer.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
	Logger     telemetry.Logger
	// Now stamps each persisted record; overridable for tests.
	Now func() time.Time
}

// Observer implements channel.DispatchObserver by inserting one document
// per Observed call. Insert failures are logged and otherwise swallowed:
// an audit trail must never be able to take down dispatch.
type Observer struct {
	coll    *mongo.Collection
	timeout time.Duration
	logger  telemetry.Logger
	now     func() time.Time
}

// New constructs an Observer. It creates no indexes; EnsureIndexes creates
// the channel/observed_at index.
func New(opts Options) (*Observer, error) {
	if opts.Client == nil {
		return nil, errors.New("audit: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("audit: database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Observer{
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
		logger:  logger,
		now:     now,
	}, nil
}

// Observed implements channel.DispatchObserver.
func (o *Observer) Observed(ctx context.Context, rec channel.DispatchRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	doc := record{
		Channel:   rec.Channel,
		Method:    rec.Method,
		Kind:      rec.Kind,
		Outcome:   rec.Outcome,
		RequestID: rec.ID,
		Duration:  rec.Duration,
		Observed:  o.now(),
	}
	if _, err := o.coll.InsertOne(ctx, doc); err != nil {
		o.logger.Warn(ctx, "audit: failed to persist dispatch record", "channel", rec.Channel, "err", err.Error())
	}
}

// EnsureIndexes creates the indexes Observer's query patterns rely on. Call
// once at startup.
func (o *Observer) EnsureIndexes(ctx context.Context) error {
	_, err := o.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "channel", Value: 1}, {Key: "observed_at", Value: 1}},
	}, options.CreateIndexes())
	return err
}
