package store

import (
	"context"
	"fmt"
	"time"

	"skne-engine/internal/model"
	"skne-engine/pkg/uid"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBotItemStore implements BotItemStore using MongoDB.
type MongoBotItemStore struct {
	coll *mongo.Collection
}

func (s *MongoBotItemStore) Insert(ctx context.Context, item *model.BotItem) (string, error) {
	if item.ID == "" {
		item.ID = uid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if _, err := s.coll.InsertOne(ctx, item); err != nil {
		return "", fmt.Errorf("failed to insert bot item: %w", err)
	}
	return item.ID, nil
}

func (s *MongoBotItemStore) GetByAssetIDs(ctx context.Context, assetIDs []int64) ([]model.BotItem, error) {
	return s.find(ctx, bson.M{"assetId": bson.M{"$in": assetIDs}})
}

func (s *MongoBotItemStore) GetByIDs(ctx context.Context, ids []string) ([]model.BotItem, error) {
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

func (s *MongoBotItemStore) ListByBot(ctx context.Context, bot string) ([]model.BotItem, error) {
	return s.find(ctx, bson.M{"bot": bot})
}

func (s *MongoBotItemStore) CountByBot(ctx context.Context, bot string) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{"bot": bot})
}

func (s *MongoBotItemStore) ExistsAsset(ctx context.Context, assetID int64) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"assetId": assetID})
	return n > 0, err
}

func (s *MongoBotItemStore) AvailableByNames(ctx context.Context, names []string, bot string) (map[string][]model.BotItem, error) {
	filter := bson.M{
		"name":  bson.M{"$in": names},
		"state": model.BotItemStateAvailable,
	}
	if bot != "" {
		filter["bot"] = bot
	}

	items, err := s.find(ctx, filter)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]model.BotItem)
	for _, item := range items {
		grouped[item.Name] = append(grouped[item.Name], item)
	}
	return grouped, nil
}

// ReserveAsset is the single-operation conditional reservation: the state
// predicate and the write happen inside one FindOneAndUpdate, so two racing
// callers can never both observe AVAILABLE.
func (s *MongoBotItemStore) ReserveAsset(ctx context.Context, assetID int64, owner string) (*model.BotItem, error) {
	return s.reserve(ctx, bson.M{"assetId": assetID}, owner)
}

func (s *MongoBotItemStore) ReserveID(ctx context.Context, id string, owner string) (*model.BotItem, error) {
	return s.reserve(ctx, bson.M{"_id": id}, owner)
}

func (s *MongoBotItemStore) reserve(ctx context.Context, key bson.M, owner string) (*model.BotItem, error) {
	key["state"] = model.BotItemStateAvailable

	var item model.BotItem
	err := s.coll.FindOneAndUpdate(ctx, key,
		bson.M{"$set": bson.M{"state": model.BotItemStateInUse, "owner": owner}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&item)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve bot item: %w", err)
	}
	return &item, nil
}

func (s *MongoBotItemStore) ReleaseAssets(ctx context.Context, assetIDs []int64) error {
	return s.release(ctx, bson.M{"assetId": bson.M{"$in": assetIDs}})
}

func (s *MongoBotItemStore) ReleaseIDs(ctx context.Context, ids []string) error {
	return s.release(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

func (s *MongoBotItemStore) release(ctx context.Context, filter bson.M) error {
	_, err := s.coll.UpdateMany(ctx, filter, bson.M{
		"$set":   bson.M{"state": model.BotItemStateAvailable},
		"$unset": bson.M{"owner": ""},
	})
	if err != nil {
		return fmt.Errorf("failed to release bot items: %w", err)
	}
	return nil
}

func (s *MongoBotItemStore) DeleteByAssetIDs(ctx context.Context, assetIDs []int64) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"assetId": bson.M{"$in": assetIDs}}); err != nil {
		return fmt.Errorf("failed to delete bot items: %w", err)
	}
	return nil
}

func (s *MongoBotItemStore) find(ctx context.Context, filter bson.M) ([]model.BotItem, error) {
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot items: %w", err)
	}
	var items []model.BotItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode bot items: %w", err)
	}
	return items, nil
}
