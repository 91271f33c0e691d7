// Package notify pushes engine events to an operator webhook. Delivery is
// best effort: a failed post is logged and dropped, never retried into the
// trading path.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"prop-engine/internal/events"
)

const postTimeout = 5 * time.Second

// Notifier forwards selected bus events to a webhook URL.
type Notifier struct {
	http   *resty.Client
	url    string
	bus    *events.Bus
	logger zerolog.Logger
}

// New builds the notifier. An empty URL disables it.
func New(url string, bus *events.Bus, logger zerolog.Logger) *Notifier {
	return &Notifier{
		http:   resty.New().SetTimeout(postTimeout),
		url:    url,
		bus:    bus,
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Start subscribes to the noteworthy topics and forwards until ctx ends.
func (n *Notifier) Start(ctx context.Context) {
	if n.url == "" {
		n.logger.Info().Msg("notifier disabled: no webhook configured")
		return
	}

	topics := []events.Event{
		events.EventRiskWarning,
		events.EventRiskBreach,
		events.EventBracketPlaced,
		events.EventOrderFilled,
		events.EventEODSummary,
		events.EventStrategyPhase,
		events.EventQuoteStreamDown,
	}
	for _, topic := range topics {
		ch, unsub := n.bus.Subscribe(topic, 32)
		go func(topic events.Event, ch <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					n.post(topic, msg)
				}
			}
		}(topic, ch, unsub)
	}
}

func (n *Notifier) post(topic events.Event, payload any) {
	body := map[string]any{
		"event":   string(topic),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"payload": payload,
		"text":    summarize(topic, payload),
	}
	resp, err := n.http.R().SetBody(body).Post(n.url)
	if err != nil {
		n.logger.Warn().Err(err).Str("event", string(topic)).Msg("notification post failed")
		return
	}
	if resp.StatusCode() >= 300 {
		n.logger.Warn().Int("status", resp.StatusCode()).Str("event", string(topic)).Msg("notification rejected")
	}
}

// summarize renders a one-line human message per event type.
func summarize(topic events.Event, payload any) string {
	switch p := payload.(type) {
	case events.RiskEvent:
		if p.Kind == "dll-warning" {
			return fmt.Sprintf("DLL approaching on %s: %s (remaining %.2f)", p.AccountID, p.Detail, p.Remaining)
		}
		return fmt.Sprintf("risk %s on %s: %s", p.Kind, p.AccountID, p.Detail)
	case events.OrderEvent:
		return fmt.Sprintf("%s: %s %d %s @ %.2f [%s]", topic, p.Side, p.Qty, p.Symbol, p.Price, p.Tag)
	case events.PhaseChange:
		return fmt.Sprintf("%s %s: %s -> %s (%s)", p.Strategy, p.Symbol, p.From, p.To, p.Reason)
	default:
		return string(topic)
	}
}
