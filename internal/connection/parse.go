package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/productstats/internal/api"
	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/provider"
)

// EventKind classifies a parsed feed message.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventHeartbeat
	EventTick
	EventSubscriptions
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventHeartbeat:
		return "heartbeat"
	case EventTick:
		return "tick"
	case EventSubscriptions:
		return "subscriptions"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a parsed feed message. Only the field matching Kind is set.
type Event struct {
	Kind          EventKind
	Type          string // Raw "type" field
	Heartbeat     provider.Heartbeat
	Quote         model.Quote
	Subscriptions SubscriptionsMsg
	Error         ErrorMsg
}

// ParseMessage decodes one raw feed message. receivedAt stamps quotes that
// arrive without a server time.
func ParseMessage(data []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("parse envelope: %w", err)
	}

	ev := Event{Type: env.Type}

	switch env.Type {
	case "heartbeat":
		var msg HeartbeatMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Event{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		ts, err := api.ParseTimestamp(msg.Time)
		if err != nil {
			return Event{}, err
		}
		ev.Kind = EventHeartbeat
		ev.Heartbeat = provider.Heartbeat{
			InstrumentID: msg.ProductID,
			Sequence:     msg.Sequence,
			Time:         ts,
		}

	case "ticker":
		var msg TickerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Event{}, fmt.Errorf("parse ticker: %w", err)
		}
		q, err := tickerToQuote(msg, receivedAt)
		if err != nil {
			return Event{}, err
		}
		ev.Kind = EventTick
		ev.Quote = q

	case "subscriptions":
		if err := json.Unmarshal(data, &ev.Subscriptions); err != nil {
			return Event{}, fmt.Errorf("parse subscriptions: %w", err)
		}
		ev.Kind = EventSubscriptions

	case "error":
		if err := json.Unmarshal(data, &ev.Error); err != nil {
			return Event{}, fmt.Errorf("parse error message: %w", err)
		}
		ev.Kind = EventError

	default:
		ev.Kind = EventUnknown
	}

	return ev, nil
}

func tickerToQuote(msg TickerMsg, receivedAt time.Time) (model.Quote, error) {
	if msg.ProductID == "" {
		return model.Quote{}, fmt.Errorf("ticker without product_id")
	}
	bid, err := api.ParseDecimal(msg.BestBid)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s best_bid: %w", msg.ProductID, err)
	}
	ask, err := api.ParseDecimal(msg.BestAsk)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s best_ask: %w", msg.ProductID, err)
	}
	ts, err := api.ParseTimestamp(msg.Time)
	if err != nil {
		return model.Quote{}, err
	}
	if ts.IsZero() {
		ts = receivedAt.UTC()
	}

	return model.Quote{
		InstrumentID: msg.ProductID,
		Timestamp:    ts,
		Bid:          bid,
		Ask:          ask,
	}, nil
}
