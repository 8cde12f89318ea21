package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"livestock_backend/models"
	"livestock_backend/services/clock"
)

// MongoDB collection names
const (
	MongoBarsCollection    = "ohlcv"
	MongoSymbolsCollection = "symbols"
	MongoMetaCollection    = "ingest_meta"
)

// Ingest metadata keys
const (
	metaLastAttemptAt     = "ohlcvDailyLastAttemptAt"
	metaLastAttemptReason = "ohlcvDailyLastAttemptReason"
	metaLastSuccessYmd    = "ohlcvDailyLastSuccessYmd"
	metaLastSuccessAt     = "ohlcvDailyLastSuccessAt"
	metaLastSuccessCount  = "ohlcvDailyLastSuccessCount"
	metaLastFailureCount  = "ohlcvDailyLastFailureCount"
)

type metaDoc struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// ConnectMongo opens a pooled client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri, dbName string, log logrus.FieldLogger) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.WithField("database", dbName).Info("MongoDB connected successfully")
	return client, client.Database(dbName), nil
}

// MongoHistoryStore keeps bars, per-symbol watermarks and the ingest
// metadata in MongoDB.
type MongoHistoryStore struct {
	db    *mongo.Database
	clock clock.Clock
	log   logrus.FieldLogger
}

func NewMongoHistoryStore(db *mongo.Database, clk clock.Clock, log logrus.FieldLogger) *MongoHistoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MongoHistoryStore{db: db, clock: clk, log: log.WithField("component", "mongo_history")}
}

// EnsureIndexes creates the bar lookup index. Safe to repeat.
func (s *MongoHistoryStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(MongoBarsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "date", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create ohlcv index: %w", err)
	}
	return nil
}

func (s *MongoHistoryStore) Watermark(ctx context.Context, symbol string) (string, bool, error) {
	var rec SymbolRecord
	err := s.db.Collection(MongoSymbolsCollection).FindOne(ctx, bson.M{"_id": symbol}).Decode(&rec)
	switch {
	case err == nil && rec.OHLCVLastDate != "":
		return rec.OHLCVLastDate, true, nil
	case err != nil && !errors.Is(err, mongo.ErrNoDocuments):
		return "", false, fmt.Errorf("failed to load symbol %s: %w", symbol, err)
	}

	var latest models.HistoricalBar
	opts := options.FindOne().SetSort(bson.D{{Key: "date", Value: -1}})
	err = s.db.Collection(MongoBarsCollection).FindOne(ctx, bson.M{"symbol": symbol}, opts).Decode(&latest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load latest bar for %s: %w", symbol, err)
	}

	_, err = s.db.Collection(MongoSymbolsCollection).UpdateOne(ctx,
		bson.M{"_id": symbol},
		bson.M{"$set": bson.M{"ohlcvLastDate": latest.Date, "updatedAt": s.clock.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		s.log.WithField("symbol", symbol).WithError(err).Warn("Failed to persist derived watermark")
	}
	return latest.Date, true, nil
}

func (s *MongoHistoryStore) UpsertBars(ctx context.Context, symbol string, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	now := s.clock.Now().UTC()
	operations := make([]mongo.WriteModel, 0, len(bars))
	for _, b := range bars {
		id := models.HistoricalBarID(symbol, b.Date)
		doc := models.HistoricalBar{ID: id, Symbol: symbol, Bar: b, Source: BarSource, IngestedAt: now}
		operations = append(operations, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	_, err := s.db.Collection(MongoBarsCollection).BulkWrite(ctx, operations, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert bars for %s: %w", symbol, err)
	}
	return len(operations), nil
}

func (s *MongoHistoryStore) SetSymbolStatus(ctx context.Context, inst models.Instrument, status, lastDate string) error {
	set := bson.M{
		"symbol":      inst.Symbol,
		"fetchStatus": status,
		"updatedAt":   s.clock.Now().UTC(),
	}
	if inst.Series != nil {
		set["series"] = *inst.Series
	}
	if lastDate != "" {
		set["ohlcvLastDate"] = lastDate
	}
	_, err := s.db.Collection(MongoSymbolsCollection).UpdateOne(ctx,
		bson.M{"_id": inst.Key()},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save status for %s: %w", inst.Key(), err)
	}
	return nil
}

func (s *MongoHistoryStore) Meta(ctx context.Context) (models.IngestMeta, error) {
	var meta models.IngestMeta
	cursor, err := s.db.Collection(MongoMetaCollection).Find(ctx, bson.M{})
	if err != nil {
		return meta, fmt.Errorf("failed to query ingest metadata: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc metaDoc
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		switch doc.Key {
		case metaLastAttemptAt:
			meta.LastAttemptAt = parseTime(doc.Value)
		case metaLastAttemptReason:
			meta.LastAttemptReason = doc.Value
		case metaLastSuccessYmd:
			meta.LastSuccessYmd = doc.Value
		case metaLastSuccessAt:
			meta.LastSuccessAt = parseTime(doc.Value)
		case metaLastSuccessCount:
			meta.LastSuccessCount, _ = strconv.Atoi(doc.Value)
		case metaLastFailureCount:
			meta.LastFailureCount, _ = strconv.Atoi(doc.Value)
		}
	}
	return meta, cursor.Err()
}

func (s *MongoHistoryStore) SaveAttempt(ctx context.Context, at time.Time, reason string) error {
	return s.saveMeta(ctx, map[string]string{
		metaLastAttemptAt:     at.UTC().Format(time.RFC3339),
		metaLastAttemptReason: reason,
	})
}

func (s *MongoHistoryStore) SaveSuccess(ctx context.Context, ymd string, at time.Time, succeeded, failed int) error {
	return s.saveMeta(ctx, map[string]string{
		metaLastSuccessYmd:   ymd,
		metaLastSuccessAt:    at.UTC().Format(time.RFC3339),
		metaLastSuccessCount: strconv.Itoa(succeeded),
		metaLastFailureCount: strconv.Itoa(failed),
	})
}

func (s *MongoHistoryStore) saveMeta(ctx context.Context, values map[string]string) error {
	now := s.clock.Now().UTC()
	operations := make([]mongo.WriteModel, 0, len(values))
	for k, v := range values {
		operations = append(operations, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": k}).
			SetReplacement(metaDoc{Key: k, Value: v, UpdatedAt: now}).
			SetUpsert(true))
	}
	if _, err := s.db.Collection(MongoMetaCollection).BulkWrite(ctx, operations); err != nil {
		return fmt.Errorf("failed to save ingest metadata: %w", err)
	}
	return nil
}

func (s *MongoHistoryStore) Bars(ctx context.Context, symbol, from, to string) ([]models.HistoricalBar, error) {
	filter := bson.M{"symbol": symbol}
	dateRange := bson.M{}
	if from != "" {
		dateRange["$gte"] = from
	}
	if to != "" {
		dateRange["$lte"] = to
	}
	if len(dateRange) > 0 {
		filter["date"] = dateRange
	}

	cursor, err := s.db.Collection(MongoBarsCollection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", symbol, err)
	}
	defer cursor.Close(ctx)

	out := []models.HistoricalBar{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode bars for %s: %w", symbol, err)
	}
	return out, nil
}

func parseTime(v string) *time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
