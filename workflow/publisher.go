package workflow

import "context"

// Publisher is the outbound message transport. config.PubSubPublisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}
