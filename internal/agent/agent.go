package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"skne-engine/internal/broker"
	"skne-engine/internal/config"
	"skne-engine/internal/model"
	"skne-engine/internal/reconcile"
	"skne-engine/internal/service"
	"skne-engine/internal/store"
)

// Agent runs one trading identity: it consumes its dispatch queues, drives
// the trade session and reports every protocol change back through the
// offer state machine.
type Agent struct {
	cfg       config.AgentConfig
	trade     config.TradeConfig
	broker    *broker.Broker
	session   TradeSession
	offers    store.TradeOfferStore
	bots      store.BotStore
	trades    *service.TradeOfferService
	inventory *InventoryManager
}

// New creates an agent.
func New(
	cfg config.AgentConfig,
	trade config.TradeConfig,
	b *broker.Broker,
	session TradeSession,
	offers store.TradeOfferStore,
	bots store.BotStore,
	trades *service.TradeOfferService,
	inventory *InventoryManager,
) *Agent {
	return &Agent{
		cfg:       cfg,
		trade:     trade,
		broker:    b,
		session:   session,
		offers:    offers,
		bots:      bots,
		trades:    trades,
		inventory: inventory,
	}
}

// Start registers the agent, wires its queues and begins processing.
func (a *Agent) Start(ctx context.Context) error {
	if a.cfg.SteamID64 == "" {
		return fmt.Errorf("agent has no identity configured")
	}

	if err := a.bots.Upsert(ctx, &model.Bot{
		SteamID64: a.cfg.SteamID64,
		Username:  a.cfg.Username,
		Display:   a.cfg.Display,
		Storage:   a.cfg.Storage,
		Groups:    a.cfg.Groups,
		UpdatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	queue, err := a.broker.DeclareAgentQueue(a.cfg.SteamID64)
	if err != nil {
		return err
	}
	if err := a.broker.Consume(ctx, queue, a.handleDirect); err != nil {
		return err
	}

	if a.cfg.AcceptDeposits {
		if err := a.broker.Consume(ctx, broker.QueueDeposit, a.handleDispatch); err != nil {
			return err
		}
		for _, group := range a.cfg.Groups {
			gq, err := a.broker.DeclareDepositGroupQueue(group)
			if err != nil {
				return err
			}
			if err := a.broker.Consume(ctx, gq, a.handleDispatch); err != nil {
				return err
			}
		}
	}

	go a.watchUpdates(ctx)
	reconcile.NewRunner("inventory:"+a.cfg.SteamID64, a.cfg.InventorySweep, a.inventory.Reconcile).Start(ctx)
	if a.cfg.AcceptDeposits {
		reconcile.NewRunner("incoming:"+a.cfg.SteamID64, a.trade.IncomingExpiry, a.sweepExpiredIncoming).Start(ctx)
	}

	log.Printf("[Agent] %s online (storage=%t deposits=%t)", a.cfg.SteamID64, a.cfg.Storage, a.cfg.AcceptDeposits)
	return nil
}

// handleDirect splits the private queue between dispatches and controls.
func (a *Agent) handleDirect(ctx context.Context, d amqp.Delivery) error {
	var ctl service.ControlMessage
	if err := json.Unmarshal(d.Body, &ctl); err == nil && ctl.Action != "" {
		return a.handleControl(ctx, &ctl)
	}
	return a.handleDispatch(ctx, d)
}

// handleDispatch sends one queued offer. The QUEUED check makes a
// redelivered dispatch a no-op; any send failure settles the offer as
// ERROR so its items are released, and the message is acknowledged either
// way.
func (a *Agent) handleDispatch(ctx context.Context, d amqp.Delivery) error {
	var msg service.DispatchMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("malformed dispatch: %w", err)
	}

	offer, err := a.offers.Get(ctx, msg.ID)
	if err != nil {
		return broker.ErrRetry
	}
	if offer == nil {
		return fmt.Errorf("offer %s not found", msg.ID)
	}
	if offer.State != model.TradeStateQueued {
		log.Printf("[Agent] Dropping stale dispatch for %s in %s", offer.ID, offer.State)
		return nil
	}

	outgoing := &OutgoingOffer{
		TradeLink:     offer.TradeLink,
		Message:       offer.SecurityToken,
		SecurityToken: offer.SecurityToken,
	}
	switch offer.Type {
	case model.TradeTypeDeposit:
		outgoing.TakeAssetIDs = offer.AssetIDs
	default:
		outgoing.GiveAssetIDs = offer.AssetIDs
	}

	offerID, err := a.session.SendOffer(ctx, outgoing)
	if err != nil {
		a.report(ctx, offer.ID, &service.AgentReport{
			State: model.TradeStateError,
			Error: err.Error(),
		})
		return nil
	}

	a.report(ctx, offer.ID, &service.AgentReport{
		State:   model.TradeStateConfirm,
		OfferID: offerID,
	})

	if err := a.session.ConfirmOffer(ctx, offerID); err != nil {
		log.Printf("[Agent] Confirmation of %d failed: %v", offerID, err)
		return nil
	}

	a.report(ctx, offer.ID, &service.AgentReport{
		State:   model.TradeStateSent,
		OfferID: offerID,
	})
	return nil
}

func (a *Agent) handleControl(ctx context.Context, ctl *service.ControlMessage) error {
	offer, err := a.offers.Get(ctx, ctl.ID)
	if err != nil {
		return broker.ErrRetry
	}
	if offer == nil || offer.OfferID == 0 {
		return fmt.Errorf("control target %s has no sent offer", ctl.ID)
	}

	switch ctl.Action {
	case service.ControlCancel:
		if err := a.session.CancelOffer(ctx, offer.OfferID); err != nil {
			return fmt.Errorf("failed to cancel %d: %w", offer.OfferID, err)
		}
		a.report(ctx, offer.ID, &service.AgentReport{State: model.TradeStateDeclined})
	case service.ControlConfirm:
		if err := a.session.ConfirmOffer(ctx, offer.OfferID); err != nil {
			return fmt.Errorf("failed to confirm %d: %w", offer.OfferID, err)
		}
	default:
		return fmt.Errorf("unknown control action %q", ctl.Action)
	}
	return nil
}

// watchUpdates relays the session's protocol changes into the state
// machine. Accepted inbound offers additionally trigger item insertion.
func (a *Agent) watchUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-a.session.Updates():
			if !ok {
				return
			}
			a.applyUpdate(ctx, update)
		}
	}
}

func (a *Agent) applyUpdate(ctx context.Context, update OfferUpdate) {
	state := EngineState(update.State)
	if state == "" {
		return
	}

	offer, err := a.offers.GetByOfferID(ctx, update.OfferID)
	if err != nil {
		log.Printf("[Agent] Lookup of offer %d failed: %v", update.OfferID, err)
		return
	}
	if offer == nil {
		// Not one of ours. An active unsolicited offer is decided by the
		// deposit policy; anything else has nothing to settle.
		if update.State == ProtocolActive && a.cfg.AcceptDeposits {
			a.handleIncoming(ctx, update.OfferID)
		}
		return
	}

	updated, err := a.trades.ApplyAgentReport(ctx, offer.ID, &service.AgentReport{
		State:         state,
		OfferID:       update.OfferID,
		TradeOfferURL: update.URL,
	})
	if err != nil {
		log.Printf("[Agent] Report %s -> %s failed: %v", offer.ID, state, err)
		return
	}
	if updated == nil {
		return
	}

	inbound := updated.Type == model.TradeTypeDeposit || updated.Type == model.TradeTypeIncoming ||
		updated.Type == model.TradeTypeStorage && updated.SteamID64 == a.cfg.SteamID64
	if updated.State == model.TradeStateAccepted && inbound {
		if err := a.inventory.InsertOfferItems(ctx, a.offers, updated); err != nil {
			log.Printf("[Agent] Item insertion for %s failed: %v", updated.ID, err)
		}
	}
}

func (a *Agent) report(ctx context.Context, id string, report *service.AgentReport) {
	if _, err := a.trades.ApplyAgentReport(ctx, id, report); err != nil {
		log.Printf("[Agent] Report %s -> %s failed: %v", id, report.State, err)
	}
}
