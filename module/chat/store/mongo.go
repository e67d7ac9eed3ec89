package store

import (
	"context"
	"errors"
	"time"

	"PPRealtime/data/database"
	"PPRealtime/data/database/mgo/mongoutil"
	"PPRealtime/module/chat/model"
	mgoSrv "PPRealtime/service/mgo"
	"PPRealtime/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	conversationTable = "conversation"
	messageTable      = "message"
)

// Mongo 两个集合：conversation / message
type Mongo struct {
	db mgoSrv.Provider
}

func NewMongo(db mgoSrv.Provider) *Mongo { return &Mongo{db: db} }

var _ Store = (*Mongo)(nil)

// Tables 启动时建索引用
func (s *Mongo) Tables() []database.Table {
	conversations := &table{db: s.db, name: conversationTable, idx: []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participant_ids", Value: 1}, {Key: "updated_at", Value: -1}}},
	}}
	messages := &table{db: s.db, name: messageTable, idx: []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: -1}}},
	}}
	return []database.Table{conversations, messages}
}

// table 实现 database.Table
type table struct {
	db   mgoSrv.Provider
	name string
	idx  []mongo.IndexModel
}

func (t *table) GetTableName() string { return t.name }

func (t *table) Collection() *mongo.Collection {
	db, ok := t.db.TryGetDB()
	if !ok {
		return nil
	}
	return db.Collection(t.name)
}

func (t *table) Indexes() []mongo.IndexModel { return t.idx }

func (s *Mongo) coll(name string) (*mongo.Collection, error) {
	db, ok := s.db.TryGetDB()
	if !ok {
		return nil, errs.ErrStoreUnavailable.WrapMsg("mongo not ready")
	}
	return db.Collection(name), nil
}

func storeErr(op string, err error) error {
	return errs.ErrStoreUnavailable.WrapMsg(op, "err", err.Error())
}

func (s *Mongo) CreateConversation(ctx context.Context, c *model.Conversation) (*model.Conversation, error) {
	coll, err := s.coll(conversationTable)
	if err != nil {
		return nil, err
	}
	// 已存在则原样返回；单聊 ID 确定，并发创建也只会落一份
	res := coll.FindOneAndUpdate(ctx,
		bson.M{"conversation_id": c.ID},
		bson.M{"$setOnInsert": bson.M{
			"kind":             c.Kind,
			"participant_ids":  c.ParticipantIDs,
			"created_at":       c.CreatedAt,
			"updated_at":       c.UpdatedAt,
			"last_message_seq": int64(0),
			"max_seq":          int64(0),
		}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var out model.Conversation
	if err := res.Decode(&out); err != nil {
		if mongoutil.IsDup(err) {
			return s.GetConversation(ctx, c.ID)
		}
		return nil, storeErr("create conversation", err)
	}
	return &out, nil
}

func (s *Mongo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	coll, err := s.coll(conversationTable)
	if err != nil {
		return nil, err
	}
	var out model.Conversation
	err = coll.FindOne(ctx, bson.M{"conversation_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", id)
	}
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	return &out, nil
}

func (s *Mongo) AddParticipant(ctx context.Context, id, userID string) (*model.Conversation, error) {
	coll, err := s.coll(conversationTable)
	if err != nil {
		return nil, err
	}
	var out model.Conversation
	err = coll.FindOneAndUpdate(ctx,
		bson.M{"conversation_id": id},
		bson.M{
			"$addToSet":    bson.M{"participant_ids": userID},
			"$currentDate": bson.M{"updated_at": true},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", id)
	}
	if err != nil {
		return nil, storeErr("add participant", err)
	}
	return &out, nil
}

func (s *Mongo) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	coll, err := s.coll(conversationTable)
	if err != nil {
		return 0, err
	}
	var after struct {
		MaxSeq int64 `bson:"max_seq"`
	}
	err = coll.FindOneAndUpdate(ctx,
		bson.M{"conversation_id": conversationID},
		bson.M{"$inc": bson.M{"max_seq": int64(1)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After).SetProjection(bson.M{"max_seq": 1}),
	).Decode(&after)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	if err != nil {
		return 0, storeErr("next seq", err)
	}
	return after.MaxSeq, nil
}

func (s *Mongo) TouchConversation(ctx context.Context, conversationID, messageID string, seq int64, at time.Time) error {
	coll, err := s.coll(conversationTable)
	if err != nil {
		return err
	}
	_, err = coll.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "last_message_seq": bson.M{"$lt": seq}},
		bson.M{"$set": bson.M{
			"last_message_id":  messageID,
			"last_message_seq": seq,
			"updated_at":       at,
		}},
	)
	if err != nil {
		return storeErr("touch conversation", err)
	}
	return nil
}

func (s *Mongo) InsertMessage(ctx context.Context, m *model.Message) error {
	coll, err := s.coll(messageTable)
	if err != nil {
		return err
	}
	doc := m.Clone()
	if doc.DeliveredTo == nil {
		doc.DeliveredTo = []string{}
	}
	if doc.ReadBy == nil {
		doc.ReadBy = []string{}
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongoutil.IsDup(err) {
			return errs.ErrInvalidArgument.WrapMsg("duplicate message id", "id", m.ID)
		}
		return storeErr("insert message", err)
	}
	return nil
}

func (s *Mongo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	coll, err := s.coll(messageTable)
	if err != nil {
		return nil, err
	}
	var out model.Message
	err = coll.FindOne(ctx, bson.M{"message_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if err != nil {
		return nil, storeErr("get message", err)
	}
	return &out, nil
}

func (s *Mongo) GetMessages(ctx context.Context, ids []string) ([]*model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	coll, err := s.coll(messageTable)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{"message_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, storeErr("get messages", err)
	}
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode messages", err)
	}
	return out, nil
}

// AddDelivered 发送者不进集合
func (s *Mongo) AddDelivered(ctx context.Context, messageID, userID string) (bool, error) {
	coll, err := s.coll(messageTable)
	if err != nil {
		return false, err
	}
	res, err := coll.UpdateOne(ctx,
		bson.M{"message_id": messageID, "sender_id": bson.M{"$ne": userID}, "delivered_to": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"delivered_to": userID}},
	)
	if err != nil {
		return false, storeErr("add delivered", err)
	}
	return res.ModifiedCount > 0, nil
}

// AddRead 同时并入 delivered_to，已读蕴含已送达
func (s *Mongo) AddRead(ctx context.Context, messageID, userID string) (bool, error) {
	coll, err := s.coll(messageTable)
	if err != nil {
		return false, err
	}
	res, err := coll.UpdateOne(ctx,
		bson.M{"message_id": messageID, "sender_id": bson.M{"$ne": userID}, "read_by": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"read_by": userID, "delivered_to": userID}},
	)
	if err != nil {
		return false, storeErr("add read", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Mongo) History(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	coll, err := s.coll(messageTable)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"conversation_id": conversationID}
	if beforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": beforeSeq}
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("history", err)
	}
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode history", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Mongo) ConversationsOf(ctx context.Context, userID string, limit int) ([]*model.Conversation, error) {
	coll, err := s.coll(conversationTable)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := coll.Find(ctx, bson.M{"participant_ids": userID}, opts)
	if err != nil {
		return nil, storeErr("conversations of", err)
	}
	var out []*model.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode conversations", err)
	}
	return out, nil
}
