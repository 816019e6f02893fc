package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yairfalse/sweep/types"
)

// DefaultPublishTimeout bounds a single publish round trip.
const DefaultPublishTimeout = 5 * time.Second

// PubSubConfig configures the Pub/Sub emitter.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	// Endpoint points the client at an emulator. Connections to it are
	// unauthenticated and plaintext.
	Endpoint       string        `yaml:"endpoint"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// PubSubEmitter publishes lifecycle events to a Google Cloud Pub/Sub topic.
// Events of one scan share an ordering key so subscribers see its
// transitions in order.
type PubSubEmitter struct {
	topic   *pubsub.Topic
	client  *pubsub.Client
	timeout time.Duration
}

// NewPubSubEmitter publishes to an existing topic. The caller keeps
// ownership of the topic's client.
func NewPubSubEmitter(topic *pubsub.Topic, timeout time.Duration) *PubSubEmitter {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	topic.EnableMessageOrdering = true
	return &PubSubEmitter{topic: topic, timeout: timeout}
}

// DialPubSub creates a client for cfg and verifies the topic exists.
func DialPubSub(ctx context.Context, cfg PubSubConfig) (*PubSubEmitter, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub: project_id and topic_id are required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %s: %w", cfg.TopicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("topic %s does not exist in project %s", cfg.TopicID, cfg.ProjectID)
	}

	e := NewPubSubEmitter(topic, cfg.PublishTimeout)
	e.client = client
	return e, nil
}

// Emit publishes the event and waits for the server acknowledgement.
func (e *PubSubEmitter) Emit(ctx context.Context, event types.ScanEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	attrs := map[string]string{
		"scan_id": event.ScanID,
		"state":   string(event.State),
	}
	if event.Record.ErrorDetail != "" {
		attrs["error_detail"] = event.Record.ErrorDetail
	}

	_, err = e.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: event.ScanID,
	}).Get(ctx)
	if err != nil {
		// A failed publish pauses the ordering key until resumed.
		e.topic.ResumePublish(event.ScanID)
		return fmt.Errorf("publish %s event for %s: %w", event.State, event.ScanID, err)
	}
	return nil
}

// Close flushes pending publishes and closes an owned client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
