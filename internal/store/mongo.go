package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	collTradeOffers   = "trade_offers"
	collVirtualOffers = "virtual_offers"
	collOfferGroups   = "virtual_offer_groups"
	collBotItems      = "bot_items"
	collBots          = "bots"
	collItems         = "items"
)

// Mongo bundles the typed stores backed by one MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database

	BotItems      *MongoBotItemStore
	TradeOffers   *MongoTradeOfferStore
	VirtualOffers *MongoVirtualOfferStore
	Bots          *MongoBotStore
	Items         *MongoItemStore
}

// Connect opens the MongoDB connection, verifies it and creates the
// secondary indexes the engine's scans depend on.
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)

	m := &Mongo{
		client:        client,
		db:            db,
		BotItems:      &MongoBotItemStore{coll: db.Collection(collBotItems)},
		TradeOffers:   &MongoTradeOfferStore{coll: db.Collection(collTradeOffers)},
		VirtualOffers: &MongoVirtualOfferStore{coll: db.Collection(collVirtualOffers), groups: db.Collection(collOfferGroups)},
		Bots:          &MongoBotStore{coll: db.Collection(collBots)},
		Items:         &MongoItemStore{coll: db.Collection(collItems)},
	}

	if err := m.ensureIndexes(ctx); err != nil {
		log.Printf("[Mongo] Warning: failed to create indexes: %v", err)
	}

	log.Printf("[Mongo] Connected to %s", database)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collBotItems: {
			{Keys: bson.D{{Key: "assetId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "bot", Value: 1}}},
			{Keys: bson.D{{Key: "bot", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "name", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "assetId", Value: 1}, {Key: "state", Value: 1}}},
		},
		collTradeOffers: {
			{Keys: bson.D{{Key: "offerId", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "steamId64", Value: 1}}},
			{Keys: bson.D{{Key: "bot", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "bot", Value: 1}, {Key: "type", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "type", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "bot", Value: 1}, {Key: "itemState", Value: 1}, {Key: "type", Value: 1}}},
		},
		collVirtualOffers: {
			{Keys: bson.D{{Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "steamId", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "itemIds", Value: 1}}},
		},
		collBots: {
			{Keys: bson.D{{Key: "steamId64", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "username", Value: 1}}},
			{Keys: bson.D{{Key: "groups", Value: 1}}},
		},
		collItems: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "cleanName", Value: 1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("indexes for %s: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects from MongoDB.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
