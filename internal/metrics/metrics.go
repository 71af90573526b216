// Package metrics collects run counters for the poller and reports them to
// Redis as a JSON snapshot under metrics:<service>.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// KeyPrefix is the Redis key prefix for service snapshots
	KeyPrefix = "metrics:"
	// TTL is how long a snapshot stays in Redis if not refreshed
	TTL = 5 * time.Minute
	// DefaultReportInterval is the default interval between Redis writes
	DefaultReportInterval = 30 * time.Second
)

// Counter names
const (
	AlertsIngested      = "alerts_ingested"
	AlertDuplicates     = "alert_duplicates"
	AlertsSkipped       = "alerts_skipped"
	ThreadsCreated      = "threads_created"
	ThreadsResolved     = "threads_resolved"
	ThreadsHidden       = "threads_hidden"
	ThreadsReopened     = "threads_reopened"
	ThreadsUnhidden     = "threads_unhidden"
	UpsertFailures      = "upsert_failures"
	SourceFailures      = "source_failures"
	ElevatorFallbackKey = "elevator_fallback_keys"
	RecordsMalformed    = "records_malformed"
	VerifierCorrections = "verifier_corrections"
	EventsPublished     = "events_published"
)

// Recorder is the counter sink used by the engine and verifier
type Recorder interface {
	Add(name string, delta uint64)
}

// Noop discards counters
type Noop struct{}

func (Noop) Add(string, uint64) {}

// Snapshot is the JSON document written to Redis
type Snapshot struct {
	Service     string            `json:"service"`
	StartedAt   time.Time         `json:"started_at"`
	LastUpdated time.Time         `json:"last_updated"`
	Counters    map[string]uint64 `json:"counters"`
}

// Collector holds named counters and periodically writes them to Redis.
// A nil Redis client only logs the snapshot.
type Collector struct {
	service        string
	redis          *redis.Client
	log            logrus.FieldLogger
	startedAt      time.Time
	reportInterval time.Duration

	mu       sync.RWMutex
	counters map[string]*atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector for service
func NewCollector(service string, client *redis.Client, log logrus.FieldLogger) *Collector {
	return &Collector{
		service:        service,
		redis:          client,
		log:            log,
		startedAt:      time.Now().UTC(),
		reportInterval: DefaultReportInterval,
		counters:       make(map[string]*atomic.Uint64),
		stopCh:         make(chan struct{}),
	}
}

// SetReportInterval sets the interval between Redis writes
func (c *Collector) SetReportInterval(d time.Duration) {
	c.reportInterval = d
}

// Add increments a named counter
func (c *Collector) Add(name string, delta uint64) {
	if delta == 0 {
		return
	}
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if counter, ok = c.counters[name]; !ok {
			counter = &atomic.Uint64{}
			c.counters[name] = counter
		}
		c.mu.Unlock()
	}
	counter.Add(delta)
}

// Get returns the current value of a counter
func (c *Collector) Get(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if counter, ok := c.counters[name]; ok {
		return counter.Load()
	}
	return 0
}

// Snapshot returns the current counters
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	counters := make(map[string]uint64, len(c.counters))
	for name, counter := range c.counters {
		counters[name] = counter.Load()
	}
	c.mu.RUnlock()

	return Snapshot{
		Service:     c.service,
		StartedAt:   c.startedAt,
		LastUpdated: time.Now().UTC(),
		Counters:    counters,
	}
}

// Start begins periodic reporting until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.Flush(context.Background())
				return
			case <-c.stopCh:
				c.Flush(context.Background())
				return
			case <-ticker.C:
				c.Flush(ctx)
			}
		}
	}()
}

// Stop stops reporting after a final write
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Flush writes the snapshot now
func (c *Collector) Flush(ctx context.Context) {
	snap := c.Snapshot()

	if c.redis == nil {
		names := make([]string, 0, len(snap.Counters))
		for name := range snap.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		fields := logrus.Fields{"service": c.service}
		for _, name := range names {
			fields[name] = snap.Counters[name]
		}
		c.log.WithFields(fields).Info("run counters")
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.log.WithError(err).Error("failed to marshal metrics")
		return
	}
	key := KeyPrefix + c.service
	if err := c.redis.Set(ctx, key, data, TTL).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Error("failed to write metrics to Redis")
		return
	}
	c.log.WithField("key", key).Debug("metrics written to Redis")
}

// Connect creates and validates a Redis client
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}

// Read loads the last snapshot written for service
func Read(ctx context.Context, client *redis.Client, service string) (*Snapshot, error) {
	data, err := client.Get(ctx, KeyPrefix+service).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no metrics found for service: %s", service)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	return &snap, nil
}
