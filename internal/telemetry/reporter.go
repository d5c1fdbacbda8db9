package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

const defaultInterval = 10 * time.Second

// Logger defines the logging interface used by telemetry.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// StatsSource supplies session snapshots. Implemented by *session.Manager.
type StatsSource interface {
	Stats() session.Stats
}

// PointWriter queues InfluxDB points without blocking.
// Implemented by *influxdb.Client.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Publisher sends MQTT messages. Implemented by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Snapshot is the retained message published on cloudcontrol/system/session.
type Snapshot struct {
	Timestamp     string        `json:"timestamp"`
	Instance      string        `json:"instance"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Session       session.Stats `json:"session"`
}

// ReporterConfig holds configuration for the reporter.
type ReporterConfig struct {
	// Instance tags every point and snapshot, typically the MQTT client id.
	Instance string

	// Interval between reports. Default: 10 seconds.
	Interval time.Duration

	Source    StatsSource
	Points    PointWriter // optional
	Publisher Publisher   // optional
}

// Reporter periodically turns session statistics into InfluxDB points and
// a retained MQTT snapshot.
type Reporter struct {
	instance  string
	interval  time.Duration
	source    StatsSource
	points    PointWriter
	publisher Publisher
	startTime time.Time
	now       func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewReporter creates a reporter. Call Start to begin reporting.
func NewReporter(cfg ReporterConfig) *Reporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reporter{
		instance:  cfg.Instance,
		interval:  interval,
		source:    cfg.Source,
		points:    cfg.Points,
		publisher: cfg.Publisher,
		startTime: time.Now(),
		now:       time.Now,
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this reporter.
func (r *Reporter) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Reporter) log() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Start begins periodic reporting until ctx ends or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop ends reporting and waits for the loop to exit. Safe to call
// multiple times.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.ReportNow()
		}
	}
}

// ReportNow takes one snapshot and sends it to every configured sink.
func (r *Reporter) ReportNow() {
	if r.source == nil {
		return
	}
	now := r.now()
	stats := r.source.Stats()

	if r.points != nil {
		for _, p := range Points(stats, r.instance, now) {
			r.points.WritePoint(p)
		}
	}

	if r.publisher != nil && r.publisher.IsConnected() {
		payload, err := json.Marshal(Snapshot{
			Timestamp:     now.UTC().Format(time.RFC3339),
			Instance:      r.instance,
			UptimeSeconds: int64(now.Sub(r.startTime).Seconds()),
			Session:       stats,
		})
		if err != nil {
			r.log().Warn("encoding session snapshot failed", "error", err)
			return
		}
		if err := r.publisher.Publish(mqtt.Topics{}.SystemSession(), payload, 1, true); err != nil {
			r.log().Warn("publishing session snapshot failed", "error", err)
		}
	}
	r.log().Debug("session telemetry reported", "connections", stats.Pool.Total, "queued", stats.Workers.Queued)
}

// Points converts a snapshot into one point per session component.
func Points(s session.Stats, instance string, ts time.Time) []*write.Point {
	tags := map[string]string{"instance": instance}
	return []*write.Point{
		write.NewPoint("session_pool", tags, map[string]any{
			"total":          s.Pool.Total,
			"idle":           s.Pool.Idle,
			"in_use":         s.Pool.InUse,
			"devices":        s.Pool.Devices,
			"waiters":        s.Pool.Waiters,
			"created":        s.Pool.Created,
			"reused":         s.Pool.Reused,
			"evicted":        s.Pool.Evicted,
			"expired":        s.Pool.Expired,
			"destroyed":      s.Pool.Destroyed,
			"probe_failures": s.Pool.ProbeFailures,
			"exhausted":      s.Pool.Exhausted,
		}, ts),
		write.NewPoint("session_workers", tags, map[string]any{
			"workers":        s.Workers.Workers,
			"busy":           s.Workers.Busy,
			"stuck":          s.Workers.Stuck,
			"queued":         s.Workers.Queued,
			"queue_capacity": s.Workers.QueueCapacity,
			"completed":      s.Workers.Completed,
			"failed":         s.Workers.Failed,
			"panics":         s.Workers.Panics,
			"rejected":       s.Workers.Rejected,
			"expired":        s.Workers.Expired,
		}, ts),
		write.NewPoint("session_cache", tags, map[string]any{
			"entries":   s.Cache.Entries,
			"capacity":  s.Cache.Capacity,
			"hits":      s.Cache.Hits,
			"misses":    s.Cache.Misses,
			"coalesced": s.Cache.Coalesced,
			"evictions": s.Cache.Evictions,
			"expired":   s.Cache.Expired,
			"failures":  s.Cache.Failures,
		}, ts),
		write.NewPoint("session_batch", tags, map[string]any{
			"open_groups":   s.Batch.OpenGroups,
			"pending":       s.Batch.Pending,
			"enqueued":      s.Batch.Enqueued,
			"size_flushes":  s.Batch.SizeFlushes,
			"timer_flushes": s.Batch.TimerFlushes,
			"failed_groups": s.Batch.FailedGroups,
			"rejected":      s.Batch.Rejected,
			"performed":     s.Performed,
			"failed":        s.Failed,
		}, ts),
	}
}
