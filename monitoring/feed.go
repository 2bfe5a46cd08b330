package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cloudscore/ml"
)

// Feed pushes service status over the hub on a fixed interval and
// publishes training events as they happen.
type Feed struct {
	hub       *Hub
	collector *Collector
	interval  time.Duration
	logger    *zap.Logger
}

func NewFeed(hub *Hub, collector *Collector, interval time.Duration, logger *zap.Logger) *Feed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		hub:       hub,
		collector: collector,
		interval:  interval,
		logger:    logger,
	}
}

// Run broadcasts snapshots until the context is canceled.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.publish(SystemStatus, f.collector.Snapshot()); err != nil {
				f.logger.Warn("status broadcast failed", zap.Error(err))
			}
		}
	}
}

// PublishTraining pushes a training event to connected clients.
func (f *Feed) PublishTraining(result ml.TrainingResult, source string) {
	summary := TrainingSummary{
		Accuracy:   result.Accuracy,
		Precision:  result.Precision,
		Recall:     result.Recall,
		Samples:    result.Samples,
		Trees:      result.Trees,
		DurationMS: float64(result.Duration) / float64(time.Millisecond),
		Source:     source,
		TrainedAt:  result.TrainedAt,
	}
	if err := f.publish(TrainingEvent, summary); err != nil {
		f.logger.Warn("training broadcast failed", zap.Error(err))
	}
}

func (f *Feed) publish(messageType MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	message := Message{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		ID:        fmt.Sprintf("msg_%d", time.Now().UnixNano()),
	}
	frame, err := json.Marshal(message)
	if err != nil {
		return err
	}
	f.hub.Broadcast(frame)
	return nil
}
