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

// MongoVirtualOfferStore implements VirtualOfferStore using MongoDB.
type MongoVirtualOfferStore struct {
	coll   *mongo.Collection
	groups *mongo.Collection
}

func (s *MongoVirtualOfferStore) Insert(ctx context.Context, offer *model.VirtualOffer) (string, error) {
	if offer.ID == "" {
		offer.ID = uid.New()
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = time.Now()
	}
	if _, err := s.coll.InsertOne(ctx, offer); err != nil {
		return "", fmt.Errorf("failed to insert virtual offer: %w", err)
	}
	return offer.ID, nil
}

func (s *MongoVirtualOfferStore) Get(ctx context.Context, id string) (*model.VirtualOffer, error) {
	var offer model.VirtualOffer
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&offer)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual offer: %w", err)
	}
	return &offer, nil
}

func (s *MongoVirtualOfferStore) ListByState(ctx context.Context, state string) ([]model.VirtualOffer, error) {
	return s.find(ctx, bson.M{"state": state}, nil)
}

func (s *MongoVirtualOfferStore) ListBySteamIDStates(ctx context.Context, steamID string, states ...string) ([]model.VirtualOffer, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return s.find(ctx, bson.M{"steamId": steamID, "state": bson.M{"$in": states}}, opts)
}

// ListStuckConfirm returns CONFIRM offers created before the cutoff that
// never got their downstream trade offer.
func (s *MongoVirtualOfferStore) ListStuckConfirm(ctx context.Context, olderThan time.Time) ([]model.VirtualOffer, error) {
	return s.find(ctx, bson.M{
		"state":        model.TradeStateConfirm,
		"createdAt":    bson.M{"$lt": olderThan},
		"tradeOfferId": bson.M{"$in": bson.A{nil, ""}},
	}, nil)
}

func (s *MongoVirtualOfferStore) Transition(ctx context.Context, id string, guard StateGuard, to string, patch VirtualOfferPatch) (*model.VirtualOffer, error) {
	filter := bson.M{"_id": id}
	if guard.Eq != "" {
		filter["state"] = guard.Eq
	} else if guard.Ne != "" {
		filter["state"] = bson.M{"$ne": guard.Ne}
	}
	return s.update(ctx, filter, &to, patch)
}

func (s *MongoVirtualOfferStore) Patch(ctx context.Context, id string, patch VirtualOfferPatch) (*model.VirtualOffer, error) {
	return s.update(ctx, bson.M{"_id": id}, nil, patch)
}

func (s *MongoVirtualOfferStore) update(ctx context.Context, filter bson.M, to *string, patch VirtualOfferPatch) (*model.VirtualOffer, error) {
	// Pipeline update so previousState can be derived from the stored
	// document inside the same atomic operation.
	set := bson.M{}
	if to != nil {
		if patch.KeepPreviousState {
			set["previousState"] = bson.M{"$ifNull": bson.A{"$previousState", "$state"}}
		}
		set["state"] = *to
	}
	if patch.TradeURL != nil {
		set["tradeUrl"] = *patch.TradeURL
	}
	if patch.PurchaseResponse != nil {
		set["purchaseResponse"] = *patch.PurchaseResponse
		set["hasPurchaseResponse"] = true
	}
	if patch.ItemNames != nil {
		set["itemNames"] = patch.ItemNames
	}
	if patch.ItemIDs != nil {
		set["itemIds"] = patch.ItemIDs
	}
	if patch.MarketBot != nil {
		set["marketBot"] = *patch.MarketBot
	}
	if patch.LockedBotItemIDs != nil {
		set["lockedBotItemIds"] = patch.LockedBotItemIDs
	}
	if patch.AssetIDs != nil {
		set["assetIds"] = patch.AssetIDs
	}
	if patch.TradeOfferID != nil {
		set["tradeOfferId"] = *patch.TradeOfferID
	}
	if patch.TradeOfferURL != nil {
		set["tradeOfferUrl"] = *patch.TradeOfferURL
	}
	if patch.HasError != nil {
		set["hasError"] = *patch.HasError
	}
	if patch.HasTradeOfferError != nil {
		set["hasTradeOfferError"] = *patch.HasTradeOfferError
	}
	if patch.Retry != nil {
		set["retry"] = *patch.Retry
	}
	if patch.ErrorMessage != nil {
		set["errorMessage"] = *patch.ErrorMessage
	}
	if patch.EscrowAt != nil {
		set["escrowAt"] = *patch.EscrowAt
	}
	if patch.SentAt != nil {
		set["sentAt"] = *patch.SentAt
	}
	if patch.ErrorAt != nil {
		set["errorAt"] = *patch.ErrorAt
	}
	if patch.AcceptedAt != nil {
		set["acceptedAt"] = *patch.AcceptedAt
	}
	if patch.ClearError {
		set["hasError"] = false
		set["retry"] = false
		set["errorMessage"] = nil
		set["errorAt"] = nil
		// A later failure records a fresh previousState.
		set["previousState"] = nil
	}
	if patch.IncManuallyRetried {
		set["manuallyRetried"] = bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$manuallyRetried", 0}}, 1}}
	}
	if patch.AppendPreviousOffer != nil {
		set["previousOffers"] = bson.M{"$concatArrays": bson.A{
			bson.M{"$ifNull": bson.A{"$previousOffers", bson.A{}}},
			bson.A{*patch.AppendPreviousOffer},
		}}
	}

	var offer model.VirtualOffer
	err := s.coll.FindOneAndUpdate(ctx, filter,
		mongo.Pipeline{{{Key: "$set", Value: set}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&offer)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update virtual offer: %w", err)
	}
	return &offer, nil
}

func (s *MongoVirtualOfferStore) InsertGroup(ctx context.Context, group *model.VirtualOfferGroup) (string, error) {
	if group.ID == "" {
		group.ID = uid.New()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now()
	}
	if _, err := s.groups.InsertOne(ctx, group); err != nil {
		return "", fmt.Errorf("failed to insert virtual offer group: %w", err)
	}
	return group.ID, nil
}

func (s *MongoVirtualOfferStore) SetGroupOfferIDs(ctx context.Context, groupID string, offerIDs []string) error {
	_, err := s.groups.UpdateOne(ctx, bson.M{"_id": groupID},
		bson.M{"$set": bson.M{"virtualOfferIds": offerIDs}})
	if err != nil {
		return fmt.Errorf("failed to set group offer ids: %w", err)
	}
	return nil
}

func (s *MongoVirtualOfferStore) GetGroups(ctx context.Context, ids []string) ([]model.VirtualOfferGroup, error) {
	cursor, err := s.groups.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to query virtual offer groups: %w", err)
	}
	var groups []model.VirtualOfferGroup
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("failed to decode virtual offer groups: %w", err)
	}
	return groups, nil
}

func (s *MongoVirtualOfferStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.VirtualOffer, error) {
	var cursor *mongo.Cursor
	var err error
	if opts != nil {
		cursor, err = s.coll.Find(ctx, filter, opts)
	} else {
		cursor, err = s.coll.Find(ctx, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query virtual offers: %w", err)
	}
	var offers []model.VirtualOffer
	if err := cursor.All(ctx, &offers); err != nil {
		return nil, fmt.Errorf("failed to decode virtual offers: %w", err)
	}
	return offers, nil
}
