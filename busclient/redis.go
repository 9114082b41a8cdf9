package busclient

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/entitystream/errors"
)

// DefaultRedisPingInterval is how often a RedisTransport probes its connection
const DefaultRedisPingInterval = 5 * time.Second

// RedisTransport carries entity topics over Redis pub/sub. Patterns become PSUBSCRIBE
// globs; deliveries are re-checked against the MQTT pattern because '*' also spans '/'.
type RedisTransport struct {
	pingInterval time.Duration
	tls          *tls.Config

	mu       sync.Mutex
	rdb      *redis.Client
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	patterns map[string]DeliverFunc
}

var (
	_ Transport    = (*RedisTransport)(nil)
	_ TLSTransport = (*RedisTransport)(nil)
)

// NewRedisTransport creates a Redis transport
func NewRedisTransport(pingInterval time.Duration) *RedisTransport {
	if pingInterval <= 0 {
		pingInterval = DefaultRedisPingInterval
	}
	return &RedisTransport{
		pingInterval: pingInterval,
		patterns:     make(map[string]DeliverFunc),
	}
}

// SetTLS dials with cfg. rediss:// URLs keep their server name.
func (r *RedisTransport) SetTLS(cfg *tls.Config) {
	r.tls = cfg
}

// ToGlob converts an MQTT pattern to a Redis glob
func ToGlob(pattern string) string {
	levels := strings.Split(pattern, "/")
	for i, l := range levels {
		switch l {
		case "+", "#":
			levels[i] = "*"
		default:
			levels[i] = globEscaper.Replace(l)
		}
	}
	return strings.Join(levels, "/")
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Connect implements Transport
func (r *RedisTransport) Connect(ctx context.Context, url string, creds Credentials, onLost func(error)) error {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return errors.WrapInvalid(err, "RedisTransport", "Connect", "parse redis url")
	}
	if creds.Token != "" {
		opt.Password = creds.Token
	}
	if creds.Username != "" {
		opt.Username = creds.Username
	}
	if r.tls != nil {
		cfg := r.tls.Clone()
		if cfg.ServerName == "" && opt.TLSConfig != nil {
			cfg.ServerName = opt.TLSConfig.ServerName
		}
		opt.TLSConfig = cfg
	}
	opt.ClientName = clientName(creds)
	opt.MaxRetries = -1

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return errors.Transport(err, "RedisTransport", "Connect", "ping "+opt.Addr)
	}

	pubsub := rdb.PSubscribe(context.Background())
	loopCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.rdb = rdb
	r.pubsub = pubsub
	r.cancel = cancel
	r.patterns = make(map[string]DeliverFunc)
	r.mu.Unlock()

	var lostOnce sync.Once
	lost := func(err error) {
		lostOnce.Do(func() {
			r.mu.Lock()
			current := r.rdb == rdb
			r.mu.Unlock()
			if !current {
				return
			}
			r.teardown()
			if onLost != nil {
				onLost(err)
			}
		})
	}

	r.wg.Add(2)
	go r.readLoop(loopCtx, pubsub)
	go r.pingLoop(loopCtx, rdb, lost)
	return nil
}

func (r *RedisTransport) readLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer r.wg.Done()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.route(msg)
		}
	}
}

func (r *RedisTransport) route(msg *redis.Message) {
	r.mu.Lock()
	var targets []DeliverFunc
	for pattern, fn := range r.patterns {
		if ToGlob(pattern) == msg.Pattern && MatchTopic(pattern, msg.Channel) {
			targets = append(targets, fn)
		}
	}
	r.mu.Unlock()

	payload := []byte(msg.Payload)
	for _, fn := range targets {
		fn(msg.Channel, payload)
	}
}

func (r *RedisTransport) pingLoop(ctx context.Context, rdb *redis.Client, lost func(error)) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, r.pingInterval)
			err := rdb.Ping(pingCtx).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				// lost calls teardown, which waits for this goroutine
				go lost(err)
				return
			}
		}
	}
}

// Subscribe implements Transport
func (r *RedisTransport) Subscribe(pattern string, deliver DeliverFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return errors.ErrNotConnected
	}
	r.patterns[pattern] = deliver
	if err := r.pubsub.PSubscribe(context.Background(), ToGlob(pattern)); err != nil {
		delete(r.patterns, pattern)
		return errors.WrapTransient(err, "RedisTransport", "Subscribe", "psubscribe "+pattern)
	}
	return nil
}

// Unsubscribe implements Transport
func (r *RedisTransport) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return errors.ErrNotConnected
	}
	delete(r.patterns, pattern)

	glob := ToGlob(pattern)
	for other := range r.patterns {
		if ToGlob(other) == glob {
			return nil
		}
	}
	return r.pubsub.PUnsubscribe(context.Background(), glob)
}

// Publish implements Transport
func (r *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	rdb := r.rdb
	r.mu.Unlock()
	if rdb == nil {
		return errors.ErrNotConnected
	}
	return rdb.Publish(ctx, topic, payload).Err()
}

// IsConnected implements Transport
func (r *RedisTransport) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rdb != nil
}

// Close implements Transport
func (r *RedisTransport) Close() error {
	r.teardown()
	return nil
}

func (r *RedisTransport) teardown() {
	r.mu.Lock()
	rdb, pubsub, cancel := r.rdb, r.pubsub, r.cancel
	r.rdb, r.pubsub, r.cancel = nil, nil, nil
	r.patterns = make(map[string]DeliverFunc)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	r.wg.Wait()
	if rdb != nil {
		_ = rdb.Close()
	}
}
