package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	activitySubjectPrefix = "activity."
	metricsSubject        = "metrics.snapshot"

	streamMaxAge = 24 * time.Hour
)

// ActivitySubject returns the subject events of a kind are published on
func ActivitySubject(kind Kind) string {
	return activitySubjectPrefix + string(kind)
}

// MetricsSubject returns the subject metrics snapshots are published on
func MetricsSubject() string {
	return metricsSubject
}

// NATSPublisher publishes events to a JetStream stream
type NATSPublisher struct {
	logger *zap.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext
}

// Connect dials url and publishes into stream, creating it if needed
func Connect(url, stream string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("activity-orchestrator"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p, err := NewNATSPublisher(js, stream, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	return p, nil
}

// NewNATSPublisher publishes through an existing JetStream context
func NewNATSPublisher(js nats.JetStreamContext, stream string, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		logger: logger.Named("events"),
		js:     js,
	}
	if err := p.ensureStream(stream); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream(name string) error {
	_, err := p.js.StreamInfo(name)
	if err == nil {
		p.logger.Info("Using existing event stream", zap.String("name", name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{activitySubjectPrefix + "*", metricsSubject},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created event stream", zap.String("name", name))
	return nil
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.js.Publish(ActivitySubject(e.Kind), data, nats.Context(ctx), nats.MsgId(e.ID)); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Kind, err)
	}
	return nil
}

// PublishMetrics implements Publisher
func (p *NATSPublisher) PublishMetrics(ctx context.Context, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if _, err := p.js.Publish(metricsSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish metrics: %w", err)
	}
	return nil
}

// Close implements Publisher
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
