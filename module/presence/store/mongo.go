package store

import (
	"context"
	"errors"
	"time"

	"PPRealtime/module/presence/model"
	mgoSrv "PPRealtime/service/mgo"
	"PPRealtime/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const presenceTable = "presence"

type Mongo struct {
	db mgoSrv.Provider
}

func NewMongo(db mgoSrv.Provider) *Mongo {
	return &Mongo{db: db}
}

func (s *Mongo) GetTableName() string { return presenceTable }

func (s *Mongo) Collection() *mongo.Collection {
	db, ok := s.db.TryGetDB()
	if !ok {
		return nil
	}
	return db.Collection(presenceTable)
}

func (s *Mongo) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "is_online", Value: 1}, {Key: "last_seen", Value: -1}}},
	}
}

func (s *Mongo) coll() (*mongo.Collection, error) {
	c := s.Collection()
	if c == nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("mongo not ready")
	}
	return c, nil
}

func (s *Mongo) Get(ctx context.Context, userID string) (*model.Record, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	var rec model.Record
	err = c.FindOne(ctx, bson.M{"user_id": userID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("presence not found", "user", userID)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("presence find", "user", userID, "err", err.Error())
	}
	return &rec, nil
}

// Upsert $max 保证 last_seen 单调
func (s *Mongo) Upsert(ctx context.Context, rec *model.Record) error {
	c, err := s.coll()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	update := bson.M{
		"$set": bson.M{
			"is_online":    rec.IsOnline,
			"availability": rec.Availability,
			"device_id":    rec.DeviceID,
			"updated_at":   truncate(updated),
		},
		"$max":         bson.M{"last_seen": truncate(rec.LastSeen)},
		"$setOnInsert": bson.M{"created_at": now},
	}
	_, err = c.UpdateOne(ctx, bson.M{"user_id": rec.UserID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("presence upsert", "user", rec.UserID, "err", err.Error())
	}
	return nil
}

var _ Store = (*Mongo)(nil)
