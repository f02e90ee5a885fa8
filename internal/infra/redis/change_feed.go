package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quizrank-service/internal/domain"
)

// ChangeFeed relays change events between service instances over Redis pub/sub.
// Events go to channel changes:{table}:{quizKey}.
type ChangeFeed struct {
	client *redis.Client
	log    *zap.Logger
	buffer int
}

func NewChangeFeed(client *redis.Client, logger *zap.Logger) *ChangeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeFeed{client: client, log: logger, buffer: 64}
}

func (f *ChangeFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, channel(ev.Table, ev.Key.String()), payload).Err(); err != nil {
		return domain.Transient(err)
	}
	return nil
}

// Subscribe listens for matching events until ctx is done. An empty key list subscribes to
// the whole table by pattern.
func (f *ChangeFeed) Subscribe(ctx context.Context, filter domain.ChangeFilter) (<-chan domain.ChangeEvent, error) {
	table := filter.Table
	if table == "" {
		table = "*"
	}
	var ps *redis.PubSub
	if len(filter.Keys) == 0 {
		ps = f.client.PSubscribe(ctx, channel(table, "*"))
	} else {
		channels := make([]string, len(filter.Keys))
		for i, k := range filter.Keys {
			channels[i] = channel(table, k.String())
		}
		ps = f.client.Subscribe(ctx, channels...)
	}
	// Wait for the subscription to be confirmed so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, domain.Transient(err)
	}

	out := make(chan domain.ChangeEvent, f.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.log.Warn("dropping malformed change event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if !filter.Match(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func channel(table, key string) string {
	return "changes:" + table + ":" + key
}
