// Package presenter delivers engine state changes to the chat presentation
// layer over an AMQP topic exchange. Delivery is fire-and-forget: the engine
// never depends on these notifications for correctness, so publish failures
// are logged and swallowed.
package presenter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	routingKeySlotAvailable = "slot.available"
	routingKeySlotOccupied  = "slot.occupied"
	routingKeySlotPing      = "slot.ping"
	routingKeyTicketCreated = "ticket.created"
)

// AMQPPresenter publishes presentation events to a topic exchange.
type AMQPPresenter struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPresenter dials the broker and declares the exchange.
func NewAMQPPresenter(url string, exchange string, logger *zap.Logger) (*AMQPPresenter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPresenter{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Close tears down the channel and connection.
func (presenter *AMQPPresenter) Close() error {
	if presenter.ch != nil {
		_ = presenter.ch.Close()
	}
	if presenter.conn != nil {
		return presenter.conn.Close()
	}
	return nil
}

// SlotAvailable announces a slot returning to the available state.
func (presenter *AMQPPresenter) SlotAvailable(ctx context.Context, slot rental.Slot) {
	presenter.publish(ctx, routingKeySlotAvailable, map[string]any{
		"slot_id":       int64(slot.ID),
		"default_label": slot.DefaultLabel,
		"point_cost":    int64(slot.PointCost),
	})
}

// SlotOccupied announces a successful purchase.
func (presenter *AMQPPresenter) SlotOccupied(ctx context.Context, slot rental.Slot) {
	payload := map[string]any{
		"slot_id": int64(slot.ID),
	}
	if slot.Occupancy != nil {
		payload["occupant_id"] = int64(slot.Occupancy.UserID)
		payload["expires_at"] = slot.Occupancy.ExpiresUnixUTC
		payload["pings_remaining"] = slot.Occupancy.PingsRemaining
	}
	presenter.publish(ctx, routingKeySlotOccupied, payload)
}

// PingSent broadcasts an occupant ping.
func (presenter *AMQPPresenter) PingSent(ctx context.Context, slot rental.Slot, byUser rental.UserID) {
	payload := map[string]any{
		"slot_id": int64(slot.ID),
		"by_user": int64(byUser),
	}
	if slot.Occupancy != nil {
		payload["pings_remaining"] = slot.Occupancy.PingsRemaining
	}
	presenter.publish(ctx, routingKeySlotPing, payload)
}

// TicketCreated announces a new payment ticket.
func (presenter *AMQPPresenter) TicketCreated(ctx context.Context, ticket rental.Ticket) {
	presenter.publish(ctx, routingKeyTicketCreated, map[string]any{
		"ticket_id":    int64(ticket.ID),
		"requester_id": int64(ticket.RequesterID),
		"created_at":   ticket.CreatedUnixUTC,
	})
}

func (presenter *AMQPPresenter) publish(ctx context.Context, key string, payload map[string]any) {
	envelope := map[string]any{
		"event_id": uuid.NewString(),
		"type":     key,
		"at":       time.Now().UTC().Unix(),
		"payload":  payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		presenter.logger.Error("presenter: marshal event", zap.String("key", key), zap.Error(err))
		return
	}
	err = presenter.ch.PublishWithContext(ctx, presenter.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		presenter.logger.Error("presenter: publish event", zap.String("key", key), zap.Error(err))
	}
}
