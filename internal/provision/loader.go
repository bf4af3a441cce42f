package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// KeyPrefix is the prefix of the provisioning hashes, one per station:
// ss:<mac> {allowed: true|false, max_rate: bps}.
const KeyPrefix = "ss:"

// Hash fields.
const (
	FieldAllowed = "allowed"
	FieldMaxRate = "max_rate"
)

// Circuit breaker defaults.
const (
	BreakerName             = "provisioning"
	DefaultFailureThreshold = 3
	DefaultOpenTimeout      = 30 * time.Second
	scanCount               = 256
)

var (
	// ErrCircuitOpen is returned while the breaker refuses to contact Redis.
	ErrCircuitOpen = errors.New("provision: circuit open")
	// ErrBadEntry marks a hash that could not be parsed.
	ErrBadEntry = errors.New("provision: malformed entry")
)

// Loader reads the provisioning hashes from Redis into a Store.
type Loader struct {
	client *redis.Client
	store  *Store
	cb     *gobreaker.CircuitBreaker
	log    logging.Logger

	failureThreshold uint32
	openTimeout      time.Duration
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l logging.Logger) Option {
	return func(ld *Loader) { ld.log = logging.OrNoop(l) }
}

// WithFailureThreshold sets how many consecutive failed loads open the
// breaker.
func WithFailureThreshold(n uint32) Option {
	return func(ld *Loader) {
		if n > 0 {
			ld.failureThreshold = n
		}
	}
}

// WithOpenTimeout sets how long the breaker stays open before a trial load.
func WithOpenTimeout(d time.Duration) Option {
	return func(ld *Loader) {
		if d > 0 {
			ld.openTimeout = d
		}
	}
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     4,
	})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("provision: connect to redis %s: %w", addr, err)
	}
	return client, nil
}

// NewLoader returns a loader filling store from client.
func NewLoader(client *redis.Client, store *Store, opts ...Option) *Loader {
	l := &Loader{
		client:           client,
		store:            store,
		log:              logging.Noop(),
		failureThreshold: DefaultFailureThreshold,
		openTimeout:      DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        BreakerName,
		MaxRequests: 1,
		Timeout:     l.openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= l.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ctx := context.Background()
			switch to {
			case gobreaker.StateOpen:
				l.log.Warn(ctx, "circuit breaker opened", logging.String("cb_name", name))
			case gobreaker.StateHalfOpen:
				l.log.Info(ctx, "circuit breaker half-open", logging.String("cb_name", name))
			case gobreaker.StateClosed:
				l.log.Info(ctx, "circuit breaker closed", logging.String("cb_name", name))
			}
		},
	})
	return l
}

// State reports the breaker state.
func (l *Loader) State() gobreaker.State { return l.cb.State() }

// Load reads every provisioning hash and swaps the result into the store.
// Malformed hashes are skipped and logged. On failure the previous table
// stays in place.
func (l *Loader) Load(ctx context.Context) (int, error) {
	res, err := l.cb.Execute(func() (interface{}, error) {
		return l.scan(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, ErrCircuitOpen
		}
		return 0, err
	}
	t := res.(Table)
	l.store.Swap(t)
	return len(t), nil
}

func (l *Loader) scan(ctx context.Context) (Table, error) {
	t := Table{}
	iter := l.client.Scan(ctx, 0, KeyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := l.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("provision: read %s: %w", key, err)
		}
		addr, e, err := parseEntry(key, fields)
		if err != nil {
			l.log.Warn(ctx, "skipping provisioning entry", logging.String("key", key), logging.Err(err))
			continue
		}
		t[addr] = e
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("provision: scan: %w", err)
	}
	return t, nil
}

func parseEntry(key string, fields map[string]string) (mac.MACAddress, Entry, error) {
	addr, err := mac.ParseMAC(strings.ToLower(strings.TrimPrefix(key, KeyPrefix)))
	if err != nil {
		return mac.MACAddress{}, Entry{}, fmt.Errorf("%w: %v", ErrBadEntry, err)
	}
	var e Entry
	if v, ok := fields[FieldAllowed]; ok {
		if e.Allowed, err = strconv.ParseBool(v); err != nil {
			return addr, Entry{}, fmt.Errorf("%w: allowed %q", ErrBadEntry, v)
		}
	}
	if v, ok := fields[FieldMaxRate]; ok && v != "" {
		rate, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return addr, Entry{}, fmt.Errorf("%w: max_rate %q", ErrBadEntry, v)
		}
		e.MaxRate = uint32(rate)
	}
	return addr, e, nil
}

// Run loads once immediately and then every interval until ctx is done.
func (l *Loader) Run(ctx context.Context, interval time.Duration) error {
	l.reload(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.reload(ctx)
		}
	}
}

func (l *Loader) reload(ctx context.Context) {
	n, err := l.Load(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn(ctx, "provisioning reload failed", logging.Err(err), logging.Int("kept", l.store.Len()))
		}
		return
	}
	l.log.Debug(ctx, "provisioning reloaded", logging.Int("entries", n))
}
