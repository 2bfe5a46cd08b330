package monitoring

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cloudscore/ml"
)

// PredictionEvent is one scored row as seen by the collector.
type PredictionEvent struct {
	RequestID  string    `json:"request_id"`
	Source     string    `json:"source"`
	Label      int       `json:"label"`
	Confidence float64   `json:"confidence"`
	LatencyMS  float64   `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

type TrainingSummary struct {
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	Samples    int       `json:"samples"`
	Trees      int       `json:"trees"`
	DurationMS float64   `json:"duration_ms"`
	Source     string    `json:"source"`
	TrainedAt  time.Time `json:"trained_at"`
}

type Snapshot struct {
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Predictions    int64            `json:"predictions"`
	RowsScored     int64            `json:"rows_scored"`
	Rejected       int64            `json:"rejected"`
	Errors         int64            `json:"errors"`
	Trainings      int64            `json:"trainings"`
	AvgLatencyMS   float64          `json:"avg_latency_ms"`
	MaxLatencyMS   float64          `json:"max_latency_ms"`
	LastPrediction time.Time        `json:"last_prediction"`
	LastTraining   *TrainingSummary `json:"last_training,omitempty"`
}

// Collector aggregates request counters and keeps a bounded buffer of
// the most recent scoring events. It observes traffic only; scoring
// results never come from here.
type Collector struct {
	startTime time.Time
	recent    *lru.Cache[int64, PredictionEvent]

	mu           sync.RWMutex
	seq          int64
	predictions  int64
	rowsScored   int64
	rejected     int64
	errors       int64
	trainings    int64
	totalLatency float64
	maxLatency   float64
	lastSeen     time.Time
	lastTraining *TrainingSummary
}

func NewCollector(recentSize int) (*Collector, error) {
	if recentSize <= 0 {
		recentSize = 100
	}
	recent, err := lru.New[int64, PredictionEvent](recentSize)
	if err != nil {
		return nil, err
	}
	return &Collector{
		startTime: time.Now(),
		recent:    recent,
	}, nil
}

// ObservePrediction records one scored row.
func (c *Collector) ObservePrediction(event PredictionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.predictions++
	c.rowsScored++
	c.totalLatency += event.LatencyMS
	if event.LatencyMS > c.maxLatency {
		c.maxLatency = event.LatencyMS
	}
	c.lastSeen = event.Timestamp
	c.mu.Unlock()

	c.recent.Add(seq, event)
}

// ObserveBatch records a multi-row scoring request as one prediction
// with len(events) rows.
func (c *Collector) ObserveBatch(events []PredictionEvent) {
	if len(events) == 0 {
		return
	}
	now := time.Now().UTC()

	c.mu.Lock()
	c.predictions++
	c.rowsScored += int64(len(events))
	c.totalLatency += events[0].LatencyMS
	if events[0].LatencyMS > c.maxLatency {
		c.maxLatency = events[0].LatencyMS
	}
	c.lastSeen = now
	seqs := make([]int64, len(events))
	for i := range events {
		c.seq++
		seqs[i] = c.seq
	}
	c.mu.Unlock()

	for i := range events {
		event := events[i]
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
		c.recent.Add(seqs[i], event)
	}
}

func (c *Collector) ObserveRejection() {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
}

func (c *Collector) ObserveError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ObserveTraining(result ml.TrainingResult, source string) {
	summary := &TrainingSummary{
		Accuracy:   result.Accuracy,
		Precision:  result.Precision,
		Recall:     result.Recall,
		Samples:    result.Samples,
		Trees:      result.Trees,
		DurationMS: float64(result.Duration) / float64(time.Millisecond),
		Source:     source,
		TrainedAt:  result.TrainedAt,
	}

	c.mu.Lock()
	c.trainings++
	c.lastTraining = summary
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := Snapshot{
		UptimeSeconds:  time.Since(c.startTime).Seconds(),
		Predictions:    c.predictions,
		RowsScored:     c.rowsScored,
		Rejected:       c.rejected,
		Errors:         c.errors,
		Trainings:      c.trainings,
		MaxLatencyMS:   c.maxLatency,
		LastPrediction: c.lastSeen,
	}
	if c.predictions > 0 {
		snapshot.AvgLatencyMS = c.totalLatency / float64(c.predictions)
	}
	if c.lastTraining != nil {
		summary := *c.lastTraining
		snapshot.LastTraining = &summary
	}
	return snapshot
}

// RecentEvents returns up to limit of the latest scoring events,
// newest first.
func (c *Collector) RecentEvents(limit int) []PredictionEvent {
	values := c.recent.Values()
	if limit <= 0 || limit > len(values) {
		limit = len(values)
	}
	events := make([]PredictionEvent, 0, limit)
	for i := len(values) - 1; i >= 0 && len(events) < limit; i-- {
		events = append(events, values[i])
	}
	return events
}
