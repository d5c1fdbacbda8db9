package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// OutcomeOK tags successful operations.
const OutcomeOK = "ok"

// OperationSummary aggregates the calls of one operation.
type OperationSummary struct {
	Operation     string            `json:"operation"`
	Count         uint64            `json:"count"`
	Failed        uint64            `json:"failed"`
	AvgDurationMS float64           `json:"avg_duration_ms"`
	MaxDurationMS float64           `json:"max_duration_ms"`
	Errors        map[string]uint64 `json:"errors,omitempty"`
}

type opCounters struct {
	count  uint64
	failed uint64
	total  time.Duration
	max    time.Duration
	errors map[string]uint64
}

// Recorder observes every session operation. It keeps per-operation
// totals and, when a PointWriter is set, writes one device_operation point
// per call.
type Recorder struct {
	instance string
	points   PointWriter

	mu  sync.Mutex
	ops map[string]*opCounters
}

var _ session.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder. points may be nil.
func NewRecorder(instance string, points PointWriter) *Recorder {
	return &Recorder{
		instance: instance,
		points:   points,
		ops:      make(map[string]*opCounters),
	}
}

// ObserveOperation implements session.Observer.
func (r *Recorder) ObserveOperation(ev session.OperationEvent) {
	outcome := OutcomeOK
	if ev.Err != nil {
		outcome = session.KindOf(ev.Err)
	}

	r.mu.Lock()
	c, ok := r.ops[ev.Operation]
	if !ok {
		c = &opCounters{errors: make(map[string]uint64)}
		r.ops[ev.Operation] = c
	}
	c.count++
	c.total += ev.Duration
	c.max = max(c.max, ev.Duration)
	if ev.Err != nil {
		c.failed++
		c.errors[outcome]++
	}
	r.mu.Unlock()

	if r.points != nil {
		r.points.WritePoint(write.NewPoint("device_operation",
			map[string]string{
				"instance":  r.instance,
				"device":    ev.DeviceID,
				"operation": ev.Operation,
				"strategy":  ev.Strategy.String(),
				"outcome":   outcome,
			},
			map[string]any{"duration_ms": durationMS(ev.Duration)},
			time.Now(),
		))
	}
}

// Summary returns the totals of every observed operation, ordered by name.
func (r *Recorder) Summary() []OperationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OperationSummary, 0, len(r.ops))
	for name, c := range r.ops {
		s := OperationSummary{
			Operation:     name,
			Count:         c.count,
			Failed:        c.failed,
			MaxDurationMS: durationMS(c.max),
		}
		if c.count > 0 {
			s.AvgDurationMS = durationMS(c.total) / float64(c.count)
		}
		if len(c.errors) > 0 {
			s.Errors = make(map[string]uint64, len(c.errors))
			for k, v := range c.errors {
				s.Errors[k] = v
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
