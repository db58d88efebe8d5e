package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"zonewatch/internal/config"
	"zonewatch/internal/model"
)

// Notification is what every channel delivers for one transition.
type Notification struct {
	EventID    string               `json:"event_id"`
	DeviceID   string               `json:"device_id"`
	DeviceName string               `json:"device_name"`
	ZoneID     string               `json:"zone_id"`
	ZoneName   string               `json:"zone_name"`
	Type       model.TransitionType `json:"type"`
	DistanceM  float64              `json:"distance_m"`
	FixTime    time.Time            `json:"fix_time"`
	Attempt    int                  `json:"attempt"`
}

// Channel delivers a notification to the external alert collaborator. A nil
// error is an acknowledgement; wrap non-retryable failures with Permanent.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

func NewChannel(cfg *config.Config, client redis.Cmdable, logger *slog.Logger) (Channel, error) {
	switch cfg.Notify.Channel {
	case "", "log":
		return NewLogChannel(logger), nil
	case "webhook":
		return NewWebhookChannel(cfg.Notify.Webhook, cfg.Notify.Timeout), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis channel requires a redis client")
		}
		return NewRedisChannel(client, cfg.Notify.Redis.Channel), nil
	case "kafka":
		return NewKafkaChannel(cfg.Notify.Kafka), nil
	default:
		return nil, fmt.Errorf("unknown notify channel %q", cfg.Notify.Channel)
	}
}

type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, n Notification) error {
	if c.logger != nil {
		c.logger.Info("zone notification",
			"event_id", n.EventID,
			"device", n.DeviceName,
			"zone", n.ZoneName,
			"type", n.Type,
			"distance_m", n.DistanceM,
			"fix_time", n.FixTime,
			"attempt", n.Attempt,
		)
	}
	return nil
}

type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookChannel(cfg config.WebhookConfig, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.EventID)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classifyStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// classifyStatus: 2xx acknowledges, 408/429/5xx are transient, any other
// status is permanent.
func classifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("webhook status %d: %s", code, body)
	default:
		return Permanent(fmt.Errorf("webhook status %d: %s", code, body))
	}
}

// RedisChannel publishes to a pub/sub channel. A publish nobody received is
// not an acknowledgement.
type RedisChannel struct {
	client  redis.Cmdable
	channel string
}

func NewRedisChannel(client redis.Cmdable, channel string) *RedisChannel {
	return &RedisChannel{client: client, channel: channel}
}

func (c *RedisChannel) Name() string { return "redis" }

func (c *RedisChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return Permanent(err)
	}
	receivers, err := c.client.Publish(ctx, c.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("redis publish to %s: no subscribers", c.channel)
	}
	return nil
}

type KafkaChannel struct {
	writer *kafka.Writer
}

func NewKafkaChannel(cfg config.KafkaChannel) *KafkaChannel {
	return &KafkaChannel{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return Permanent(err)
	}
	if err := c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(n.DeviceID), Value: payload}); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (c *KafkaChannel) Close() error {
	return c.writer.Close()
}
