package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Update announces that the store changed. Seq increases by one per update;
// a gap tells a subscriber it missed updates and should re-read the store.
type Update struct {
	Seq            uint64          `json:"seq"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Kind           model.DeltaKind `json:"kind"`
	At             time.Time       `json:"at"`
}

// Subscribe returns a channel of store updates. The channel is closed when
// ctx is cancelled. Updates are dropped for subscribers that fall behind.
func (s *Store) Subscribe(ctx context.Context) <-chan Update {
	return s.updates.subscribe(ctx)
}

type broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Update
	nextID uint64
	log    *logger.Logger
}

func newBroadcaster(log *logger.Logger) *broadcaster {
	return &broadcaster{
		subs: make(map[uint64]chan Update),
		log:  log,
	}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan Update {
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// publish never blocks. The read lock is held while sending so a channel is
// never closed mid-send.
func (b *broadcaster) publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- u:
		default:
			b.log.Debug("dropped update for slow subscriber",
				zap.Uint64("sub_id", id),
				zap.Uint64("seq", u.Seq),
			)
		}
	}
}
