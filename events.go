package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingCPKCalculated = "cpk.calculated"
	RoutingCPKAlert      = "cpk.alert"
)

// EventPublisher delivers a JSON body under a routing key.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body json.RawMessage) error
	Close() error
}

type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, body json.RawMessage) error {
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
}

func (p *RabbitPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	return p.conn.Close()
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, json.RawMessage) error { return nil }
func (noopPublisher) Close() error                                           { return nil }

type CPKCalculatedEvent struct {
	SnapshotID     string    `json:"snapshot_id"`
	Server         string    `json:"server"`
	Project        string    `json:"project"`
	Line           string    `json:"line,omitempty"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	ParameterCount int       `json:"parameter_count"`
	MinCPK         float64   `json:"min_cpk"`
	AvgCPK         float64   `json:"avg_cpk"`
	BelowTarget    int       `json:"below_target"`
}

type CPKAlertEvent struct {
	SnapshotID string   `json:"snapshot_id"`
	Server     string   `json:"server"`
	Project    string   `json:"project"`
	Threshold  float64  `json:"threshold"`
	MinCPK     float64  `json:"min_cpk"`
	Parameters []string `json:"parameters"`
}

type retryPolicy struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

var defaultRetry = retryPolicy{baseDelay: 500 * time.Millisecond, maxDelay: 10 * time.Second, maxAttempts: 5}

// Notifier turns snapshots into events.
type Notifier struct {
	pub       EventPublisher
	threshold float64
	retry     retryPolicy
}

func NewNotifier(pub EventPublisher, alertThreshold float64) *Notifier {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Notifier{pub: pub, threshold: alertThreshold, retry: defaultRetry}
}

// SnapshotSaved publishes cpk.calculated and, when a parameter falls below
// the alert threshold, cpk.alert.
func (n *Notifier) SnapshotSaved(ctx context.Context, snap *Snapshot, data *CPKData) error {
	ev := CPKCalculatedEvent{
		SnapshotID:     snap.ID,
		Server:         snap.Server,
		Project:        snap.Project,
		Line:           snap.Line,
		From:           snap.RangeFrom,
		To:             snap.RangeTo,
		ParameterCount: snap.ParameterCount,
		MinCPK:         snap.MinCPK,
		AvgCPK:         snap.AvgCPK,
		BelowTarget:    snap.BelowTarget,
	}
	if err := n.publishJSON(ctx, RoutingCPKCalculated, ev); err != nil {
		return err
	}

	if n.threshold <= 0 || len(data.Points) == 0 {
		return nil
	}
	var low []string
	for _, p := range data.Points {
		if p.Value < n.threshold {
			low = append(low, p.Name)
		}
	}
	if len(low) == 0 {
		return nil
	}
	eventsLog.Warnf("%s/%s: %d parameter(s) below CPK %.2f", snap.Server, snap.Project, len(low), n.threshold)
	return n.publishJSON(ctx, RoutingCPKAlert, CPKAlertEvent{
		SnapshotID: snap.ID,
		Server:     snap.Server,
		Project:    snap.Project,
		Threshold:  n.threshold,
		MinCPK:     snap.MinCPK,
		Parameters: low,
	})
}

func (n *Notifier) publishJSON(ctx context.Context, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return publishWithRetry(ctx, n.pub, key, body, n.retry)
}

func (n *Notifier) Close() error { return n.pub.Close() }

func publishWithRetry(ctx context.Context, pub EventPublisher, key string, msg json.RawMessage, rp retryPolicy) error {
	var lastErr error
	for attempt := 1; attempt <= rp.maxAttempts; attempt++ {
		err := pub.Publish(ctx, key, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		eventsLog.Debugf("publish %s attempt %d failed: %v", key, attempt, err)

		if attempt == rp.maxAttempts {
			break
		}

		backoff := rp.baseDelay << (attempt - 1)
		if backoff > rp.maxDelay {
			backoff = rp.maxDelay
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish %s failed after %d attempts: %w", key, rp.maxAttempts, lastErr)
}
