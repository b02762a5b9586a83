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

// MongoTradeOfferStore implements TradeOfferStore using MongoDB.
type MongoTradeOfferStore struct {
	coll *mongo.Collection
}

func (s *MongoTradeOfferStore) Insert(ctx context.Context, offer *model.TradeOffer) (string, error) {
	if offer.ID == "" {
		offer.ID = uid.New()
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = time.Now()
	}
	if _, err := s.coll.InsertOne(ctx, offer); err != nil {
		return "", fmt.Errorf("failed to insert trade offer: %w", err)
	}
	return offer.ID, nil
}

func (s *MongoTradeOfferStore) Get(ctx context.Context, id string) (*model.TradeOffer, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoTradeOfferStore) GetByOfferID(ctx context.Context, offerID int64) (*model.TradeOffer, error) {
	return s.findOne(ctx, bson.M{"offerId": offerID})
}

func (s *MongoTradeOfferStore) ListByBotStates(ctx context.Context, bot string, states ...string) ([]model.TradeOffer, error) {
	return s.find(ctx, bson.M{"bot": bot, "state": bson.M{"$in": states}})
}

func (s *MongoTradeOfferStore) ListByTypeState(ctx context.Context, typ, state string) ([]model.TradeOffer, error) {
	return s.find(ctx, bson.M{"type": typ, "state": state})
}

func (s *MongoTradeOfferStore) ListBySteamID(ctx context.Context, steamID64 string, limit int) ([]model.TradeOffer, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, bson.M{"steamId64": steamID64}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade offers: %w", err)
	}
	var offers []model.TradeOffer
	if err := cursor.All(ctx, &offers); err != nil {
		return nil, fmt.Errorf("failed to decode trade offers: %w", err)
	}
	return offers, nil
}

func (s *MongoTradeOfferStore) ListPendingInsertion(ctx context.Context, bot string) ([]model.TradeOffer, error) {
	return s.find(ctx, bson.M{
		"bot":       bot,
		"itemState": model.TradeItemStatePending,
		"type":      model.TradeTypeDeposit,
		"state":     model.TradeStateAccepted,
	})
}

func (s *MongoTradeOfferStore) Transition(ctx context.Context, id string, guard StateGuard, to string, patch TradeOfferPatch) (*model.TradeOffer, error) {
	return s.transition(ctx, bson.M{"_id": id}, guard, to, patch)
}

func (s *MongoTradeOfferStore) TransitionByOfferID(ctx context.Context, offerID int64, guard StateGuard, to string, patch TradeOfferPatch) (*model.TradeOffer, error) {
	return s.transition(ctx, bson.M{"offerId": offerID}, guard, to, patch)
}

func (s *MongoTradeOfferStore) transition(ctx context.Context, filter bson.M, guard StateGuard, to string, patch TradeOfferPatch) (*model.TradeOffer, error) {
	if guard.Eq != "" {
		filter["state"] = guard.Eq
	} else if guard.Ne != "" {
		filter["state"] = bson.M{"$ne": guard.Ne}
	}

	set := bson.M{"state": to}
	if patch.Bot != nil {
		set["bot"] = *patch.Bot
	}
	if patch.OfferID != nil {
		set["offerId"] = *patch.OfferID
	}
	if patch.TradeOfferURL != nil {
		set["tradeOfferUrl"] = *patch.TradeOfferURL
	}
	if patch.ItemState != nil {
		set["itemState"] = *patch.ItemState
	}
	if patch.VerificationState != nil {
		set["verificationState"] = *patch.VerificationState
	}
	if patch.TradeLink != nil {
		set["tradeLink"] = *patch.TradeLink
	}
	if patch.HasError != nil {
		set["hasError"] = *patch.HasError
	}
	if patch.Error != nil {
		set["error"] = *patch.Error
	}
	if patch.ErrorResult != nil {
		set["errorResult"] = *patch.ErrorResult
	}
	if patch.AcceptedAt != nil {
		set["acceptedAt"] = *patch.AcceptedAt
	}

	update := bson.M{"$set": set}
	if patch.IncRetryCount {
		update["$inc"] = bson.M{"retryCount": 1}
	}

	var offer model.TradeOffer
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&offer)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition trade offer: %w", err)
	}
	return &offer, nil
}

func (s *MongoTradeOfferStore) SetVerificationState(ctx context.Context, id, state string) (*model.TradeOffer, error) {
	var offer model.TradeOffer
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"verificationState": state}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&offer)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set verification state: %w", err)
	}
	return &offer, nil
}

func (s *MongoTradeOfferStore) MarkItemsInserted(ctx context.Context, offerID int64, botItemIDs []string, assetIDs []int64) (*model.TradeOffer, error) {
	var offer model.TradeOffer
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"offerId": offerID},
		bson.M{"$set": bson.M{
			"itemState":  model.TradeItemStateInserted,
			"botItemIds": botItemIDs,
			"assetIds":   assetIDs,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&offer)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark items inserted: %w", err)
	}
	return &offer, nil
}

// DeleteExpiredIncoming removes INCOMING offers that were declined and
// whose deadline passed; the only physical deletion TradeOffers ever see.
// The agent owning the offer declines it on the platform first, so the
// sweep never erases a row whose protocol offer is still open.
func (s *MongoTradeOfferStore) DeleteExpiredIncoming(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"type":      model.TradeTypeIncoming,
		"state":     model.TradeStateDeclined,
		"expiresAt": bson.M{"$lt": now},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired incoming offers: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoTradeOfferStore) findOne(ctx context.Context, filter bson.M) (*model.TradeOffer, error) {
	var offer model.TradeOffer
	err := s.coll.FindOne(ctx, filter).Decode(&offer)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade offer: %w", err)
	}
	return &offer, nil
}

func (s *MongoTradeOfferStore) find(ctx context.Context, filter bson.M) ([]model.TradeOffer, error) {
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade offers: %w", err)
	}
	var offers []model.TradeOffer
	if err := cursor.All(ctx, &offers); err != nil {
		return nil, fmt.Errorf("failed to decode trade offers: %w", err)
	}
	return offers, nil
}
