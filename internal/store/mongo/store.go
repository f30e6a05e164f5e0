// Package mongo stores campaigns, session records and event logs in MongoDB.
// Campaign documents use the same field names the control plane writes, so
// an existing "campaigns" collection can be driven directly.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"traffic_engine/internal/model"
	"traffic_engine/internal/store"
)

const (
	campaignsCollection = "campaigns"
	sessionsCollection  = "session_records"
	logsCollection      = "event_logs"
	settingsCollection  = "settings"

	emailSettingsKey = "email_settings"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func Open(ctx context.Context, uri, database string) (*Store, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if strings.TrimSpace(database) == "" {
		database = "traffic_engine"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(sessionsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "campaignId", Value: 1}, {Key: "sessionId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "campaignId", Value: 1}, {Key: "endTime", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	_, err = s.db.Collection(logsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "campaignId", Value: 1}, {Key: "time", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	return nil
}

func (s *Store) campaigns() *mongo.Collection { return s.db.Collection(campaignsCollection) }

func (s *Store) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	var out model.Campaign
	err := s.campaigns().FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Campaign{}, store.ErrNotFound
	}
	return out, err
}

func (s *Store) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return s.findCampaigns(ctx, bson.M{})
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return s.findCampaigns(ctx, bson.M{"isActive": true})
}

func (s *Store) findCampaigns(ctx context.Context, filter bson.M) ([]model.Campaign, error) {
	cur, err := s.campaigns().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []model.Campaign
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	update, err := campaignUpsert(c)
	if err != nil {
		return model.Campaign{}, err
	}
	_, err = s.campaigns().UpdateOne(ctx, bson.M{"_id": c.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return model.Campaign{}, err
	}
	return s.GetCampaign(ctx, c.ID)
}

// Run state belongs to the controller and is only written on insert.
var campaignRunState = []string{"isActive", "sessionsCompleted", "startedAt", "completedAt", "createdAt"}

var campaignOptional = []string{
	"name", "userEmail", "totalSessions", "delay", "urls", "targetUrl", "url",
	"social", "custom", "cookies", "proxies", "adSelectors", "adsXPath", "driver",
}

func campaignUpsert(c model.Campaign) (bson.M, error) {
	raw, err := bson.Marshal(c)
	if err != nil {
		return nil, err
	}
	set := bson.M{}
	if err := bson.Unmarshal(raw, &set); err != nil {
		return nil, err
	}
	delete(set, "_id")

	onInsert := bson.M{}
	for _, k := range campaignRunState {
		if v, ok := set[k]; ok {
			onInsert[k] = v
			delete(set, k)
		}
	}
	unset := bson.M{}
	for _, k := range campaignOptional {
		if _, ok := set[k]; !ok {
			unset[k] = ""
		}
	}

	update := bson.M{"$set": set}
	if len(onInsert) > 0 {
		update["$setOnInsert"] = onInsert
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update, nil
}

func (s *Store) UpdateCampaign(ctx context.Context, id string, u model.CampaignUpdate) error {
	set := bson.M{"updatedAt": time.Now().UTC()}
	if u.IsActive != nil {
		set["isActive"] = *u.IsActive
	}
	if u.SessionsCompleted != nil {
		set["sessionsCompleted"] = *u.SessionsCompleted
	}
	if u.StartedAt != nil {
		set["startedAt"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		set["completedAt"] = *u.CompletedAt
	}
	res, err := s.campaigns().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.campaigns().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertSessionRecord(ctx context.Context, r model.SessionRecord) error {
	_, err := s.db.Collection(sessionsCollection).ReplaceOne(ctx,
		bson.M{"campaignId": r.CampaignID, "sessionId": r.SessionID}, r, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ListSessionRecords(ctx context.Context, campaignID string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	cur, err := s.db.Collection(sessionsCollection).Find(ctx, bson.M{"campaignId": campaignID},
		options.Find().SetSort(bson.D{{Key: "endTime", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []model.SessionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SessionStats(ctx context.Context, campaignID string) (model.SessionStats, error) {
	out := model.SessionStats{CampaignID: campaignID}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"campaignId": campaignID}}},
		{{Key: "$group", Value: bson.M{
			"_id":       nil,
			"total":     bson.M{"$sum": 1},
			"visited":   bson.M{"$sum": bson.M{"$cond": bson.A{"$visited", 1, 0}}},
			"completed": bson.M{"$sum": bson.M{"$cond": bson.A{"$completed", 1, 0}}},
			"bounced":   bson.M{"$sum": bson.M{"$cond": bson.A{"$bounced", 1, 0}}},
			"errored":   bson.M{"$sum": bson.M{"$cond": bson.A{"$errored", 1, 0}}},
		}}},
	}
	cur, err := s.db.Collection(sessionsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return out, err
	}
	defer cur.Close(ctx)
	if cur.Next(ctx) {
		var row struct {
			Total     int `bson:"total"`
			Visited   int `bson:"visited"`
			Completed int `bson:"completed"`
			Bounced   int `bson:"bounced"`
			Errored   int `bson:"errored"`
		}
		if err := cur.Decode(&row); err != nil {
			return out, err
		}
		out.Total, out.Visited, out.Completed, out.Bounced, out.Errored = row.Total, row.Visited, row.Completed, row.Bounced, row.Errored
	}
	return out, cur.Err()
}

func (s *Store) InsertLog(ctx context.Context, e model.LogEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Level = model.NormalizeLevel(e.Level)
	_, err := s.db.Collection(logsCollection).InsertOne(ctx, e)
	return err
}

func (s *Store) ListLogs(ctx context.Context, campaignID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	filter := bson.M{}
	if campaignID != "" {
		filter["campaignId"] = campaignID
	}
	cur, err := s.db.Collection(logsCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "time", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []model.LogEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type settingsDoc struct {
	Key       string              `bson:"_id"`
	Email     model.EmailSettings `bson:"value"`
	UpdatedAt time.Time           `bson:"updatedAt"`
}

func (s *Store) GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error) {
	var doc settingsDoc
	err := s.db.Collection(settingsCollection).FindOne(ctx, bson.M{"_id": emailSettingsKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.EmailSettings{}, false, nil
	}
	if err != nil {
		return model.EmailSettings{}, false, err
	}
	return doc.Email, true, nil
}

func (s *Store) UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error) {
	doc := settingsDoc{Key: emailSettingsKey, Email: v, UpdatedAt: time.Now().UTC()}
	_, err := s.db.Collection(settingsCollection).ReplaceOne(ctx, bson.M{"_id": emailSettingsKey}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return model.EmailSettings{}, err
	}
	return v, nil
}
