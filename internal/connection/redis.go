package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"paycall/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Event is the payload published on a user's reachability channel.
type Event struct {
	UserID    string    `json:"user_id"`
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// ChannelFor returns the pub/sub channel carrying userID's reachability events.
func ChannelFor(userID string) string {
	return "reachability:" + userID
}

// RedisBus carries reachability events between API instances, so the instance
// running a call's session hears about sockets held by another instance.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: logger.OrDiscard(log), now: time.Now}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, connected bool) error {
	payload, err := json.Marshal(Event{UserID: userID, Connected: connected, At: b.now().UTC()})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, ChannelFor(userID), payload).Err(); err != nil {
		return fmt.Errorf("connection: publish reachability: %w", err)
	}
	return nil
}

func (b *RedisBus) For(userID string) Reachability {
	return redisReachability{bus: b, userID: userID}
}

type redisReachability struct {
	bus    *RedisBus
	userID string
}

// Subscribe blocks until the subscription is confirmed, then delivers events
// from a background goroutine until unsubscribe is called.
func (r redisReachability) Subscribe(onChange func(bool)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := r.bus.rdb.Subscribe(ctx, ChannelFor(r.userID))
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("connection: subscribe %s: %w", ChannelFor(r.userID), err)
	}

	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.bus.log.Warn("connection: bad reachability payload", "user_id", r.userID, "err", err)
					continue
				}
				onChange(ev.Connected)
			}
		}
	}()

	// Does not wait for the delivery goroutine: unsubscribe may be reached
	// from inside onChange.
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}, nil
}
