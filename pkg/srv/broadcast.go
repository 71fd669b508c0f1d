package srv

import (
	"context"

	"github.com/connectchat/relay/pkg/logger"
	"github.com/connectchat/relay/pkg/wire"
)

// Broadcaster fans events out to sets of users by looking up their live
// connections in the registry. Recipients without a connection are
// skipped silently; a recipient whose send buffer is full loses the
// envelope rather than stalling delivery to everyone else.
type Broadcaster struct {
	registry *Registry
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(r *Registry) *Broadcaster {
	return &Broadcaster{registry: r}
}

// Deliver encodes payload once and queues it to every recipient that
// currently has a live connection. Returns the number of connections
// the envelope was queued to.
func (b *Broadcaster) Deliver(ctx context.Context, recipients []string, event string, payload any) int {
	env, err := wire.Encode(event, payload)
	if err != nil {
		logger.Error(ctx, "broadcast encode failed", err, logger.Fields{"event": event})
		return 0
	}

	delivered := 0
	for _, userID := range recipients {
		client, ok := b.registry.Lookup(userID)
		if !ok {
			continue
		}
		if !client.TrySend(env) {
			logger.Warn(ctx, "broadcast dropped for slow client", logger.Fields{
				"event":     event,
				"user_id":   userID,
				"client_id": client.ID,
			})
			continue
		}
		delivered++
	}
	return delivered
}

// DeliverOne queues an event to a single user. Returns false when the
// user has no live connection or the envelope could not be queued.
func (b *Broadcaster) DeliverOne(ctx context.Context, userID, event string, payload any) bool {
	if userID == "" {
		return false
	}
	return b.Deliver(ctx, []string{userID}, event, payload) == 1
}
