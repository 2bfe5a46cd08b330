package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cloudscore/db"
	"cloudscore/ml"
	"cloudscore/monitoring"
)

// Model is the classifier surface the handlers need.
type Model interface {
	Predict(features []float64) (ml.Prediction, error)
	Train() (ml.TrainingResult, error)
	Ready() bool
	Version() string
	FeatureCount() int
}

// Handlers serves the scoring API. The history store, collector, feed
// and hub are optional; scoring works without them.
type Handlers struct {
	model     Model
	history   *db.History
	collector *monitoring.Collector
	feed      *monitoring.Feed
	hub       *monitoring.Hub
	logger    *zap.Logger
}

func NewHandlers(model Model, history *db.History, collector *monitoring.Collector, feed *monitoring.Feed, hub *monitoring.Hub, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		model:     model,
		history:   history,
		collector: collector,
		feed:      feed,
		hub:       hub,
		logger:    logger,
	}
}

// Register attaches all routes to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /readiness", h.handleReadiness)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("POST /score", h.handleScore)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("POST /retrain", h.handleRetrain)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("GET /ws/monitor", h.handleMonitorSocket)
}

func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "ML Health Check API",
		"version": h.model.Version(),
		"endpoints": []string{
			"/health", "/readiness", "/predict", "/score",
			"/metrics", "/retrain", "/stats", "/ws/monitor",
		},
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": timestamp(),
		"version":   h.model.Version(),
	})
}

// handleReadiness reports not-ready until a classifier is resident, so
// a load balancer can hold traffic during boot or after a failed load.
func (h *Handlers) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.model.Ready() {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "not_ready",
			"timestamp": timestamp(),
			"message":   "Model not loaded",
		})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": timestamp(),
	})
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"model_version": h.model.Version(),
		"status":        "active",
		"timestamp":     timestamp(),
	})
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(w, validationError(KindMalformedInput, msgBodyNotJSON))
		return
	}

	features, verr := parseFeatures(body, h.model.FeatureCount())
	if verr != nil {
		h.reject(w, verr)
		return
	}

	start := time.Now()
	result, err := h.model.Predict(features)
	if err != nil {
		if h.collector != nil {
			h.collector.ObserveError()
		}
		h.logger.Error("prediction failed",
			zap.Error(err),
			zap.String("request_id", GetRequestID(r.Context())))
		h.respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":   false,
			"error":     err.Error(),
			"timestamp": timestamp(),
		})
		return
	}

	h.observePrediction(GetRequestID(r.Context()), "predict", result, time.Since(start))
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"result":    result,
		"timestamp": timestamp(),
	})
}

// handleScore answers with a bare result object for a single row and
// an array of result objects for a batch, mirroring the input shape.
func (h *Handlers) handleScore(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(w, validationError(KindMalformedInput, msgBodyNotJSON))
		return
	}

	payload, verr := parsePayload(body, h.model.FeatureCount())
	if verr != nil {
		h.reject(w, verr)
		return
	}

	start := time.Now()
	results := make([]ml.Prediction, 0, len(payload.Rows))
	for _, row := range payload.Rows {
		result, err := h.model.Predict(row)
		if err != nil {
			// one bad row fails the whole batch
			if h.collector != nil {
				h.collector.ObserveError()
			}
			h.logger.Error("scoring failed",
				zap.Error(err),
				zap.String("request_id", GetRequestID(r.Context())))
			h.respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":     err.Error(),
				"timestamp": timestamp(),
			})
			return
		}
		results = append(results, result)
	}
	latency := time.Since(start)
	requestID := GetRequestID(r.Context())

	if !payload.Batch {
		h.observePrediction(requestID, "score", results[0], latency)
		h.respondJSON(w, http.StatusOK, results[0])
		return
	}

	h.observeBatch(requestID, results, latency)
	h.respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) handleRetrain(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("retraining model", zap.String("request_id", GetRequestID(r.Context())))

	result, err := h.model.Train()
	if err != nil {
		if h.collector != nil {
			h.collector.ObserveError()
		}
		h.logger.Error("retraining failed", zap.Error(err))
		h.respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":   false,
			"error":     err.Error(),
			"timestamp": timestamp(),
		})
		return
	}

	h.recordTraining(result, "api")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Model retrained successfully",
		"accuracy":  result.Accuracy,
		"timestamp": timestamp(),
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"model_version": h.model.Version(),
		"timestamp":     timestamp(),
	}
	if h.collector != nil {
		response["stats"] = h.collector.Snapshot()
		response["recent_predictions"] = h.collector.RecentEvents(10)
	}
	if h.hub != nil {
		response["websocket_clients"] = h.hub.ClientCount()
	}
	if h.history != nil {
		runs, err := h.history.TrainingRuns(5)
		if err != nil {
			h.logger.Warn("failed to read training runs", zap.Error(err))
		} else {
			response["training_runs"] = runs
		}
	}
	h.respondJSON(w, http.StatusOK, response)
}

func (h *Handlers) handleMonitorSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "monitoring disabled"})
		return
	}
	h.hub.HandleWebSocket(w, r)
}

// reject reports a validation failure. Client errors are expected
// traffic, so they log at debug only.
func (h *Handlers) reject(w http.ResponseWriter, verr *ValidationError) {
	if h.collector != nil {
		h.collector.ObserveRejection()
	}
	h.logger.Debug("payload rejected", zap.String("reason", verr.Error()))
	h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
}

func (h *Handlers) observePrediction(requestID, source string, result ml.Prediction, latency time.Duration) {
	now := time.Now().UTC()
	if h.collector != nil {
		h.collector.ObservePrediction(monitoring.PredictionEvent{
			RequestID:  requestID,
			Source:     source,
			Label:      result.Label,
			Confidence: maxProbability(result.Probabilities),
			LatencyMS:  latencyMS(latency),
			Timestamp:  now,
		})
	}
	if h.history != nil {
		record := db.PredictionRecord{
			RequestID:      requestID,
			Source:         source,
			PredictedLabel: result.Label,
			Confidence:     maxProbability(result.Probabilities),
			ModelVersion:   result.ModelVersion,
			LatencyMS:      latencyMS(latency),
			CreatedAt:      now,
		}
		if err := h.history.RecordPredictions([]db.PredictionRecord{record}); err != nil {
			h.logger.Warn("failed to record prediction", zap.Error(err))
		}
	}
}

func (h *Handlers) observeBatch(requestID string, results []ml.Prediction, latency time.Duration) {
	if len(results) == 0 {
		return
	}
	now := time.Now().UTC()
	if h.collector != nil {
		events := make([]monitoring.PredictionEvent, len(results))
		for i, result := range results {
			events[i] = monitoring.PredictionEvent{
				RequestID:  requestID,
				Source:     "score",
				Label:      result.Label,
				Confidence: maxProbability(result.Probabilities),
				LatencyMS:  latencyMS(latency),
				Timestamp:  now,
			}
		}
		h.collector.ObserveBatch(events)
	}
	if h.history != nil {
		records := make([]db.PredictionRecord, len(results))
		for i, result := range results {
			records[i] = db.PredictionRecord{
				RequestID:      requestID,
				Source:         "score",
				PredictedLabel: result.Label,
				Confidence:     maxProbability(result.Probabilities),
				ModelVersion:   result.ModelVersion,
				LatencyMS:      latencyMS(latency),
				CreatedAt:      now,
			}
		}
		if err := h.history.RecordPredictions(records); err != nil {
			h.logger.Warn("failed to record predictions", zap.Error(err))
		}
	}
}

func (h *Handlers) recordTraining(result ml.TrainingResult, source string) {
	if h.collector != nil {
		h.collector.ObserveTraining(result, source)
	}
	if h.feed != nil {
		h.feed.PublishTraining(result, source)
	}
	if h.history != nil {
		run := db.TrainingRun{
			ModelVersion: h.model.Version(),
			Accuracy:     result.Accuracy,
			Precision:    result.Precision,
			Recall:       result.Recall,
			Samples:      result.Samples,
			DurationMS:   latencyMS(result.Duration),
			Source:       source,
			TrainedAt:    result.TrainedAt,
		}
		if err := h.history.RecordTraining(run); err != nil {
			h.logger.Warn("failed to record training run", zap.Error(err))
		}
	}
}

// respondJSON writes data as a JSON response.
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func latencyMS(latency time.Duration) float64 {
	return float64(latency) / float64(time.Millisecond)
}

func maxProbability(probabilities []float64) float64 {
	max := 0.0
	for _, p := range probabilities {
		if p > max {
			max = p
		}
	}
	return max
}
