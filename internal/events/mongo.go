package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/StevenMolina22/events-api/internal/logging"
)

// MongoStore reads events from a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    zerolog.Logger
}

// ConnectMongo dials uri and verifies the server with a ping. A failure
// here is a start-time failure of the API.
func ConnectMongo(ctx context.Context, uri, database, collection string, timeout time.Duration) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongodb uri is not set (MONGODB_URI)")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().ApplyURI(uri).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout).
		SetAppName("show-up-api")
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	log := logging.Component("events")
	log.Info().Str("database", database).Str("collection", collection).Msg("connected to mongodb")
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
		log:    log,
	}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) List(ctx context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	filter := FilterDocument(q)
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("count events: %w", err)
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSkip(int64(q.Skip)).SetLimit(int64(q.Limit)))
	if err != nil {
		return Page{}, fmt.Errorf("find events: %w", err)
	}
	defer cur.Close(ctx)

	page := Page{Events: []Event{}, Total: total, Limit: q.Limit, Skip: q.Skip}
	for cur.Next(ctx) {
		var e Event
		if err := cur.Decode(&e); err != nil {
			s.log.Warn().Err(err).Str("id", cur.Current.Lookup("_id").String()).Msg("skipping undecodable event")
			continue
		}
		page.Events = append(page.Events, e)
	}
	if err := cur.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate events: %w", err)
	}
	return page, nil
}

func (s *MongoStore) Get(ctx context.Context, apiID string) (*Event, error) {
	res := s.coll.FindOne(ctx, bson.M{"api_id": apiID})
	if errors.Is(res.Err(), mongo.ErrNoDocuments) {
		res = s.coll.FindOne(ctx, TitleFilter(apiID))
	}
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("find event: %w", err)
	}
	var e Event
	if err := res.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return &e, nil
}

// FilterDocument builds the MongoDB filter for q.
func FilterDocument(q Query) bson.M {
	f := bson.M{}
	if q.City != "" {
		f["city"] = primitive.Regex{Pattern: substringPattern(q.City), Options: "i"}
	}
	if q.Country != "" {
		f["country"] = primitive.Regex{Pattern: substringPattern(q.Country), Options: "i"}
	}
	if q.EventType != "" {
		f["event_type"] = q.EventType
	}
	if q.Organizer != "" {
		f["organizer"] = primitive.Regex{Pattern: substringPattern(q.Organizer), Options: "i"}
	}
	return f
}

// TitleFilter is the fallback filter for ids that look like title slugs.
func TitleFilter(apiID string) bson.M {
	return bson.M{"title": primitive.Regex{Pattern: TitlePattern(apiID), Options: "i"}}
}
