package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cloudscore/db"
	"cloudscore/ml"
	"cloudscore/monitoring"
)

type fakeModel struct {
	result     ml.Prediction
	predictErr error
	predictFn  func([]float64) (ml.Prediction, error)
	training   ml.TrainingResult
	trainErr   error
	ready      bool
	features   int

	calls [][]float64
}

func (f *fakeModel) Predict(features []float64) (ml.Prediction, error) {
	f.calls = append(f.calls, features)
	if f.predictFn != nil {
		return f.predictFn(features)
	}
	if f.predictErr != nil {
		return ml.Prediction{}, f.predictErr
	}
	return f.result, nil
}

func (f *fakeModel) Train() (ml.TrainingResult, error) {
	if f.trainErr != nil {
		return ml.TrainingResult{}, f.trainErr
	}
	return f.training, nil
}

func (f *fakeModel) Ready() bool       { return f.ready }
func (f *fakeModel) Version() string   { return "1.0.0" }
func (f *fakeModel) FeatureCount() int { return f.features }

func newTestMux(t *testing.T, model Model) (*http.ServeMux, *monitoring.Collector, *db.History) {
	t.Helper()
	collector, err := monitoring.NewCollector(16)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	history, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	handlers := NewHandlers(model, history, collector, nil, nil, zap.NewNop())
	mux := http.NewServeMux()
	handlers.Register(mux)
	return mux, collector, history
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return payload
}

func TestPredictEndpoint(t *testing.T) {
	model := &fakeModel{
		result:   ml.Prediction{Label: 1, Probabilities: []float64{0.25, 0.75}, ModelVersion: "1.0.0"},
		ready:    true,
		features: 4,
	}
	mux, collector, history := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/predict", `{"features": [1, 2, 3, 4]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	payload := decodeBody(t, w.Body.Bytes())
	if payload["success"] != true {
		t.Fatalf("expected success, got %v", payload["success"])
	}
	if payload["timestamp"] == "" {
		t.Fatal("missing timestamp")
	}
	result, ok := payload["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing result object: %v", payload)
	}
	if result["prediction"].(float64) != 1 {
		t.Fatalf("unexpected prediction: %v", result["prediction"])
	}
	if len(result["probabilities"].([]interface{})) != 2 {
		t.Fatalf("unexpected probabilities: %v", result["probabilities"])
	}
	if result["model_version"] != "1.0.0" {
		t.Fatalf("unexpected model version: %v", result["model_version"])
	}

	if len(model.calls) != 1 || !reflect.DeepEqual(model.calls[0], []float64{1, 2, 3, 4}) {
		t.Fatalf("model saw wrong input: %v", model.calls)
	}

	records, err := history.RecentPredictions(5)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(records))
	}
	if records[0].Source != "predict" || records[0].PredictedLabel != 1 || records[0].Confidence != 0.75 {
		t.Fatalf("unexpected history row: %+v", records[0])
	}

	snapshot := collector.Snapshot()
	if snapshot.Predictions != 1 || snapshot.RowsScored != 1 {
		t.Fatalf("unexpected counters: %+v", snapshot)
	}
}

func TestPredictValidation(t *testing.T) {
	model := &fakeModel{ready: true, features: 3}
	mux, collector, _ := newTestMux(t, model)

	cases := []struct {
		name    string
		body    string
		message string
	}{
		{"missing key", `{}`, "Features not provided"},
		{"wrong count", `{"features": [1, 2]}`, "Features must be a list of 3 numbers"},
		{"not a list", `{"features": "abc"}`, "Features must be a list of 3 numbers"},
		{"bad element", `{"features": [1, "x", 3]}`, "Features must be a list of 3 numbers"},
		{"garbage body", `not json`, "Invalid request body"},
	}

	for _, tc := range cases {
		w := doRequest(t, mux, http.MethodPost, "/predict", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, w.Code)
		}
		payload := decodeBody(t, w.Body.Bytes())
		if payload["error"] != tc.message {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.message, payload["error"])
		}
	}

	if len(model.calls) != 0 {
		t.Fatalf("model invoked for rejected payloads: %v", model.calls)
	}
	if rejected := collector.Snapshot().Rejected; rejected != int64(len(cases)) {
		t.Fatalf("expected %d rejections, got %d", len(cases), rejected)
	}
}

func TestPredictModelFailure(t *testing.T) {
	model := &fakeModel{predictErr: ml.ErrModelNotLoaded, features: 2}
	mux, collector, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/predict", `{"features": [1, 2]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["success"] != false {
		t.Fatalf("expected success false, got %v", payload["success"])
	}
	if payload["error"] != "model not loaded" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
	if payload["timestamp"] == nil {
		t.Fatal("missing timestamp")
	}
	if collector.Snapshot().Errors != 1 {
		t.Fatal("expected one recorded error")
	}
}

func TestScoreSingleRow(t *testing.T) {
	model := &fakeModel{
		result:   ml.Prediction{Label: 0, Probabilities: []float64{0.6, 0.4}, ModelVersion: "1.0.0"},
		ready:    true,
		features: 2,
	}
	mux, _, history := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/score", `{"features": [0.5, 1.5]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	payload := decodeBody(t, w.Body.Bytes())
	if payload["prediction"].(float64) != 0 {
		t.Fatalf("unexpected prediction: %v", payload["prediction"])
	}
	if _, hasSuccess := payload["success"]; hasSuccess {
		t.Fatal("single score result should be a bare object")
	}

	records, err := history.RecentPredictions(5)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(records) != 1 || records[0].Source != "score" {
		t.Fatalf("unexpected history rows: %+v", records)
	}
}

func TestScoreFlatData(t *testing.T) {
	model := &fakeModel{
		result:   ml.Prediction{Label: 1, Probabilities: []float64{0.3, 0.7}, ModelVersion: "1.0.0"},
		ready:    true,
		features: 2,
	}
	mux, _, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/score", `{"data": [0.5, 1.5]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["prediction"].(float64) != 1 {
		t.Fatalf("flat data should score as a single row: %v", payload)
	}
}

func TestScoreBatch(t *testing.T) {
	model := &fakeModel{
		ready:    true,
		features: 2,
		predictFn: func(features []float64) (ml.Prediction, error) {
			return ml.Prediction{
				Label:         int(features[0]),
				Probabilities: []float64{0.5, 0.5},
				ModelVersion:  "1.0.0",
			}, nil
		},
	}
	mux, collector, history := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/score", `{"data": [[2, 0], [0, 0], [1, 0]]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var results []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &results); err != nil {
		t.Fatalf("batch response should be an array: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []float64{2, 0, 1} {
		if results[i]["prediction"].(float64) != want {
			t.Fatalf("result %d out of order: %v", i, results[i])
		}
	}

	snapshot := collector.Snapshot()
	if snapshot.Predictions != 1 || snapshot.RowsScored != 3 {
		t.Fatalf("unexpected counters: %+v", snapshot)
	}
	records, err := history.RecentPredictions(10)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(records))
	}
}

func TestScoreEmptyBatch(t *testing.T) {
	model := &fakeModel{ready: true, features: 2}
	mux, _, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/score", `{"data": []}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var results []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &results); err != nil {
		t.Fatalf("empty batch should answer with an array: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestScoreFeaturesPrecedence(t *testing.T) {
	model := &fakeModel{
		result:   ml.Prediction{Label: 1, Probabilities: []float64{0.2, 0.8}, ModelVersion: "1.0.0"},
		ready:    true,
		features: 2,
	}
	mux, _, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/score", `{"data": [[9, 9], [8, 8]], "features": [0.1, 0.2]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["prediction"].(float64) != 1 {
		t.Fatalf("expected a single object response: %v", payload)
	}
	if len(model.calls) != 1 || !reflect.DeepEqual(model.calls[0], []float64{0.1, 0.2}) {
		t.Fatalf("features row should win over data: %v", model.calls)
	}
}

func TestScoreRejectsWholeBatch(t *testing.T) {
	model := &fakeModel{ready: true, features: 2}
	mux, collector, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/score", `{"data": [[1, 2], [1], [3, 4]]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["error"] != "Row 1 must be a list of 2 numbers" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
	if len(model.calls) != 0 {
		t.Fatalf("no row may be scored when any row is invalid: %v", model.calls)
	}
	if collector.Snapshot().Rejected != 1 {
		t.Fatal("expected one rejection")
	}
}

func TestScoreValidation(t *testing.T) {
	model := &fakeModel{ready: true, features: 2}
	mux, _, _ := newTestMux(t, model)

	cases := []struct {
		name    string
		body    string
		message string
	}{
		{"empty object", `{}`, "Invalid input format. Use 'data' or 'features'."},
		{"unrelated keys", `{"rows": [[1, 2]]}`, "Invalid input format. Use 'data' or 'features'."},
		{"data not a list", `{"data": "abc"}`, "Invalid input format. Use 'data' or 'features'."},
		{"features not a list", `{"features": 7}`, "Invalid input format. Use 'data' or 'features'."},
		{"features wrong count", `{"features": [1]}`, "Features must be a list of 2 numbers"},
		{"bad batch element", `{"data": [[1, null]]}`, "Row 0 must be a list of 2 numbers"},
	}

	for _, tc := range cases {
		w := doRequest(t, mux, http.MethodPost, "/score", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, w.Code)
		}
		payload := decodeBody(t, w.Body.Bytes())
		if payload["error"] != tc.message {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.message, payload["error"])
		}
	}
}

func TestScoreBatchAbortsOnModelError(t *testing.T) {
	model := &fakeModel{
		ready:    true,
		features: 2,
		predictFn: func(features []float64) (ml.Prediction, error) {
			if features[0] == 13 {
				return ml.Prediction{}, errors.New("forest gone")
			}
			return ml.Prediction{Label: 0, Probabilities: []float64{1, 0}, ModelVersion: "1.0.0"}, nil
		},
	}
	mux, _, history := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/score", `{"data": [[1, 2], [13, 0], [3, 4]]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["error"] != "forest gone" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
	if len(model.calls) != 2 {
		t.Fatalf("scoring should stop at the failing row, saw %d calls", len(model.calls))
	}

	records, err := history.RecentPredictions(10)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("aborted batches must not be recorded, got %d rows", len(records))
	}
}

func TestRetrainEndpoint(t *testing.T) {
	model := &fakeModel{
		ready:    true,
		features: 2,
		training: ml.TrainingResult{
			Metrics:      ml.Metrics{Accuracy: 0.9, Precision: 0.88, Recall: 0.92},
			Samples:      100,
			TrainSamples: 80,
			TestSamples:  20,
			Trees:        10,
			Duration:     1500 * time.Millisecond,
			TrainedAt:    time.Now().UTC(),
		},
	}
	mux, collector, history := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/retrain", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["success"] != true {
		t.Fatalf("expected success, got %v", payload)
	}
	if payload["message"] != "Model retrained successfully" {
		t.Fatalf("unexpected message: %v", payload["message"])
	}
	if payload["accuracy"].(float64) != 0.9 {
		t.Fatalf("unexpected accuracy: %v", payload["accuracy"])
	}

	runs, err := history.TrainingRuns(5)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 training run, got %d", len(runs))
	}
	if runs[0].Source != "api" || runs[0].Accuracy != 0.9 || runs[0].DurationMS != 1500 {
		t.Fatalf("unexpected training run: %+v", runs[0])
	}

	snapshot := collector.Snapshot()
	if snapshot.Trainings != 1 || snapshot.LastTraining == nil {
		t.Fatalf("training not observed: %+v", snapshot)
	}
}

func TestRetrainFailure(t *testing.T) {
	model := &fakeModel{trainErr: errors.New("persist failed"), features: 2}
	mux, _, history := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodPost, "/retrain", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["success"] != false || payload["error"] != "persist failed" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	runs, err := history.TrainingRuns(5)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("failed training must not be recorded, got %d runs", len(runs))
	}
}

func TestHealthEndpoint(t *testing.T) {
	model := &fakeModel{features: 2}
	mux, _, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["status"] != "healthy" || payload["version"] != "1.0.0" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["timestamp"] == nil {
		t.Fatal("missing timestamp")
	}
}

func TestReadinessEndpoint(t *testing.T) {
	model := &fakeModel{ready: false, features: 2}
	mux, _, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodGet, "/readiness", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before load, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["status"] != "not_ready" || payload["message"] != "Model not loaded" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	model.ready = true
	w = doRequest(t, mux, http.MethodGet, "/readiness", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after load, got %d", w.Code)
	}
	payload = decodeBody(t, w.Body.Bytes())
	if payload["status"] != "ready" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	model := &fakeModel{ready: true, features: 2}
	mux, _, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["model_version"] != "1.0.0" || payload["status"] != "active" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestIndexEndpoint(t *testing.T) {
	model := &fakeModel{ready: true, features: 2}
	mux, _, _ := newTestMux(t, model)

	w := doRequest(t, mux, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["message"] != "ML Health Check API" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	endpoints := payload["endpoints"].([]interface{})
	found := false
	for _, endpoint := range endpoints {
		if endpoint == "/predict" {
			found = true
		}
	}
	if !found {
		t.Fatalf("endpoint list incomplete: %v", endpoints)
	}

	w = doRequest(t, mux, http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown paths should 404, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	model := &fakeModel{
		result:   ml.Prediction{Label: 1, Probabilities: []float64{0.3, 0.7}, ModelVersion: "1.0.0"},
		ready:    true,
		features: 2,
		training: ml.TrainingResult{
			Metrics:   ml.Metrics{Accuracy: 0.85},
			Samples:   50,
			Trees:     5,
			TrainedAt: time.Now().UTC(),
		},
	}
	mux, _, _ := newTestMux(t, model)

	doRequest(t, mux, http.MethodPost, "/predict", `{"features": [1, 2]}`)
	doRequest(t, mux, http.MethodPost, "/retrain", "")

	w := doRequest(t, mux, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["model_version"] != "1.0.0" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	stats := payload["stats"].(map[string]interface{})
	if stats["predictions"].(float64) != 1 {
		t.Fatalf("unexpected prediction count: %v", stats["predictions"])
	}
	if len(payload["recent_predictions"].([]interface{})) != 1 {
		t.Fatalf("unexpected recent predictions: %v", payload["recent_predictions"])
	}
	if len(payload["training_runs"].([]interface{})) != 1 {
		t.Fatalf("unexpected training runs: %v", payload["training_runs"])
	}
}

func TestStatsWithoutMonitoring(t *testing.T) {
	model := &fakeModel{ready: true, features: 2}
	handlers := NewHandlers(model, nil, nil, nil, nil, nil)
	mux := http.NewServeMux()
	handlers.Register(mux)

	w := doRequest(t, mux, http.MethodPost, "/predict", `{"features": [1, 2]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("scoring should work without monitoring, got %d", w.Code)
	}

	w = doRequest(t, mux, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decodeBody(t, w.Body.Bytes())
	if payload["model_version"] != "1.0.0" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, ok := payload["stats"]; ok {
		t.Fatal("stats should be omitted without a collector")
	}
}

func TestMonitorSocketEndpoint(t *testing.T) {
	hub := monitoring.NewHub(nil)
	go hub.Start()
	defer hub.Stop()

	model := &fakeModel{ready: true, features: 2}
	handlers := NewHandlers(model, nil, nil, nil, hub, zap.NewNop())
	mux := http.NewServeMux()
	handlers.Register(mux)

	server := httptest.NewServer(mux)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Broadcast([]byte(`{"type":"system_status"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(frame), "system_status") {
		t.Fatalf("unexpected frame: %s", frame)
	}
}

func TestMonitorSocketDisabled(t *testing.T) {
	model := &fakeModel{ready: true, features: 2}
	handlers := NewHandlers(model, nil, nil, nil, nil, zap.NewNop())
	mux := http.NewServeMux()
	handlers.Register(mux)

	w := doRequest(t, mux, http.MethodGet, "/ws/monitor", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a hub, got %d", w.Code)
	}
}
