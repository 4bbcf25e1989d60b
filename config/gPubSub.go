package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// NewPubSubClient initializes a Pub/Sub client with retries.
// It uses Application Default Credentials unless credJSON is provided.
func NewPubSubClient(ctx context.Context, projectID, credJSON string, lg *logrus.Logger) (*pubsub.Client, error) {
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			lg.WithFields(logrus.Fields{"field": "pubsub", "project_id": projectID, "attempt": attempt}).Info("pubsub client ready")
			return c, nil
		}

		sleep := retrySleep(attempt)
		lg.WithFields(logrus.Fields{
			"field":      "pubsub",
			"project_id": projectID,
			"attempt":    attempt,
		}).Warn("failed to init pubsub client; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// PubSubPublisher publishes raw payloads to named topics and reuses topic handles
// so batching settings survive across calls.
type PubSubPublisher struct {
	client       *pubsub.Client
	createTopics bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubPublisher(client *pubsub.Client, createTopics bool) *PubSubPublisher {
	return &PubSubPublisher{
		client:       client,
		createTopics: createTopics,
		topics:       map[string]*pubsub.Topic{},
	}
}

// Publish returns the server-assigned message ID once Pub/Sub has acknowledged the message.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("pubsub client is nil")
	}
	t, err := p.topic(ctx, topic)
	if err != nil {
		return "", err
	}
	res := t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	return res.Get(ctx)
}

func (p *PubSubPublisher) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	if name == "" {
		return nil, errors.New("topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t := p.client.Topic(name)
	if p.createTopics {
		var err error
		t, err = CreateTopicIfNotExists(ctx, p.client, name)
		if err != nil {
			return nil, err
		}
	}
	p.topics[name] = t
	return t, nil
}

// Close flushes pending publishes. The client itself is closed by the owner.
func (p *PubSubPublisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
}
