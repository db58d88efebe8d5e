package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"zonewatch/internal/config"
)

// StartKafka consumes fix payloads (one object or array per message) from a
// consumer group. Offsets are committed only after the fixes were handed to
// the gateway.
func StartKafka(ctx context.Context, cfg *config.Manager, gateway *Gateway, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			if _, _, err := gateway.SubmitBytes(ctx, m.Value, SourceKafka); err != nil && logger != nil {
				logger.Warn("kafka payload dropped", "err", err, "partition", m.Partition, "offset", m.Offset)
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && logger != nil {
				logger.Warn("kafka commit error", "err", err)
			}
		}
	}()
}
