package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	log "github.com/sirupsen/logrus"
)

// PubSubPublisher sends rollout revisions to Google Cloud Pub/Sub
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicPath string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPubSubPublisher authenticates via Application Default Credentials.
func NewPubSubPublisher(ctx context.Context, topicPath string) (*PubSubPublisher, error) {
	projectID, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	// revisions of one rollout must arrive in order; the subscription needs
	// message ordering enabled as well
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{client: client, publisher: publisher, topicPath: topicPath}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	attributes := map[string]string{
		"rollout_id": e.RolloutID,
		"service":    e.Service,
		"phase":      string(e.Phase),
		"revision":   strconv.Itoa(e.Revision),
		"terminal":   strconv.FormatBool(e.Terminal),
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes,
		OrderingKey: e.RolloutID,
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		// an ordering key stays paused after a failure until resumed
		p.publisher.ResumePublish(e.RolloutID)
		return fmt.Errorf("failed to publish event to pubsub: %w", err)
	}
	log.Debugf("published %s revision %d to %s as %s", e.RolloutID, e.Revision, p.topicPath, msgID)
	return nil
}

// Stop stops the publisher and closes the client
func (p *PubSubPublisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}
