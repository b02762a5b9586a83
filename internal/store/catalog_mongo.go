package store

import (
	"context"
	"fmt"
	"time"

	"skne-engine/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBotStore implements BotStore using MongoDB.
type MongoBotStore struct {
	coll *mongo.Collection
}

// Upsert registers the bot keyed by its steam id, refreshing identity
// fields when the agent process comes online.
func (s *MongoBotStore) Upsert(ctx context.Context, bot *model.Bot) error {
	bot.UpdatedAt = time.Now()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"steamId64": bot.SteamID64},
		bson.M{"$set": bson.M{
			"steamId64": bot.SteamID64,
			"username":  bot.Username,
			"display":   bot.Display,
			"name":      bot.Name,
			"tradeLink": bot.TradeLink,
			"storage":   bot.Storage,
			"groups":    bot.Groups,
			"updatedAt": bot.UpdatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bot: %w", err)
	}
	return nil
}

func (s *MongoBotStore) Get(ctx context.Context, steamID64 string) (*model.Bot, error) {
	var bot model.Bot
	err := s.coll.FindOne(ctx, bson.M{"steamId64": steamID64}).Decode(&bot)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return &bot, nil
}

func (s *MongoBotStore) All(ctx context.Context) ([]model.Bot, error) {
	return s.find(ctx, bson.M{})
}

func (s *MongoBotStore) ListStorage(ctx context.Context) ([]model.Bot, error) {
	return s.find(ctx, bson.M{"storage": true, "tradeLink": bson.M{"$nin": bson.A{nil, ""}}})
}

func (s *MongoBotStore) find(ctx context.Context, filter bson.M) ([]model.Bot, error) {
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	var bots []model.Bot
	if err := cursor.All(ctx, &bots); err != nil {
		return nil, fmt.Errorf("failed to decode bots: %w", err)
	}
	return bots, nil
}

// MongoItemStore implements ItemStore using MongoDB. The collection is
// populated by the price-ingestion job; the engine only reads it.
type MongoItemStore struct {
	coll *mongo.Collection
}

func (s *MongoItemStore) GetByName(ctx context.Context, name string) (*model.Item, error) {
	var item model.Item
	err := s.coll.FindOne(ctx, bson.M{"name": name}).Decode(&item)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

func (s *MongoItemStore) GetByNames(ctx context.Context, names []string) ([]model.Item, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"name": bson.M{"$in": names}})
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	var items []model.Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}
	return items, nil
}
