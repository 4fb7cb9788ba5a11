// Package events ingests notification events from the case/alert REST
// layer over Redis pub/sub and feeds them into the gateway's fan-out.
// Pub/sub, not streams: delivery is at-most-once by design and nothing
// is ever replayed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sentra-mdr/collab-gateway/internal/hub"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"go.uber.org/zap"
)

const (
	tenantChannelPrefix = "notify.tenant."
	caseChannelPrefix   = "notify.case."
)

// envelope is the published payload: the notification event plus an
// optional delivery target for tenant channels.
type envelope struct {
	Event        models.Notification `json:"event"`
	TargetUserID *uuid.UUID          `json:"targetUserId,omitempty"`
}

// Bridge subscribes to the notification channels and republishes into
// the in-process registries.
type Bridge struct {
	client *redis.Client
	pub    hub.Publisher
	logger *zap.Logger
}

func NewBridge(redisURL string, pub hub.Publisher, logger *zap.Logger) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Bridge{
		client: redis.NewClient(opts),
		pub:    pub,
		logger: logger,
	}, nil
}

// Run consumes notification messages until ctx is cancelled. A bad
// payload is logged and skipped; one producer bug must not stop the
// stream for everyone else.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	pubsub := b.client.PSubscribe(ctx, tenantChannelPrefix+"*", caseChannelPrefix+"*")
	defer pubsub.Close()

	b.logger.Info("notification bridge started",
		zap.String("patterns", tenantChannelPrefix+"*, "+caseChannelPrefix+"*"),
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close releases the underlying client. Call after Run has returned.
func (b *Bridge) Close() error {
	return b.client.Close()
}

func (b *Bridge) dispatch(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("dropping malformed notification payload",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}

	switch {
	case strings.HasPrefix(channel, tenantChannelPrefix):
		tenantID, err := uuid.Parse(strings.TrimPrefix(channel, tenantChannelPrefix))
		if err != nil {
			b.logger.Warn("dropping notification on malformed tenant channel",
				zap.String("channel", channel),
			)
			return
		}
		target := uuid.Nil
		if env.TargetUserID != nil {
			target = *env.TargetUserID
		}
		b.pub.PublishToTenant(tenantID, env.Event, target)

	case strings.HasPrefix(channel, caseChannelPrefix):
		caseID := strings.TrimPrefix(channel, caseChannelPrefix)
		if caseID == "" {
			return
		}
		b.pub.PublishToRoom(caseID, env.Event)
	}
}
