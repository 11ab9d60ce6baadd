// Package kafkaconsumer applies upstream layer change events from Kafka.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/paulmach/orb"

	obs "github.com/mohammed-shakir/parcel-map-sync/internal/core/observability"
	"github.com/mohammed-shakir/parcel-map-sync/internal/engine"
	"github.com/mohammed-shakir/parcel-map-sync/internal/invalidation"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
)

// Invalidator drops cached data for a layer, optionally only inside area.
type Invalidator interface {
	InvalidateLayer(ctx context.Context, layer string, area *orb.Bound) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	target Invalidator
	retry  time.Duration
}

func New(cfg Config, logger *slog.Logger, target Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, logger: logger, target: target, retry: 2 * time.Second}
}

// Start consumes change events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("kafkaconsumer: missing invalidation target")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	c.logger.Info("layer change consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil && ctx.Err() == nil {
			c.logger.Error("consumer error", "err", err, "topic", c.cfg.Topic)
			select {
			case <-ctx.Done():
			case <-time.After(c.retry):
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("layer change consumer shutting down")
			return nil
		}
	}
}

// ProcessOne applies a single message. Messages that can never be applied
// are counted and skipped so they do not stall the partition; anything else
// is returned and the message is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaConsumerError("decode")
		c.logger.WarnContext(ctx, "undecodable change event skipped",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaConsumerError("invalid")
		c.logger.WarnContext(ctx, "invalid change event skipped",
			"layer", ev.Layer, "offset", msg.Offset, "err", err)
		return nil
	}
	area, err := ev.Area()
	if err != nil {
		obs.IncKafkaConsumerError("invalid")
		return nil
	}

	ctx = logger.WithChange(logger.WithLayer(ctx, ev.Layer), ev.Op, ev.Source)
	err = c.target.InvalidateLayer(ctx, ev.Layer, area)
	obs.ObserveInvalidation(ev.Op, ev.Layer, time.Since(start), err)
	switch {
	case errors.Is(err, engine.ErrUnknownLayer):
		obs.IncKafkaConsumerError("unknown_layer")
		c.logger.DebugContext(ctx, "change event for unknown layer skipped")
		return nil
	case err != nil:
		return fmt.Errorf("invalidate %s: %w", ev.Layer, err)
	}
	c.logger.DebugContext(ctx, "layer invalidated", "whole_layer", area == nil)
	return nil
}
