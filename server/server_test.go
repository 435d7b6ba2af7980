package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/inference"
	"github.com/tsawler/go-cxr/registry"
	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

type stubPredictor struct{}

func (stubPredictor) Predict(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Shape[0]
	data := make([]float32, 0, n*3)
	for i := 0; i < n; i++ {
		data = append(data, 0.1, 0.7, 0.2)
	}
	return tensor.FromData(data, n, 3)
}

func (stubPredictor) Variant() checkpoints.Variant { return checkpoints.BackboneA }
func (stubPredictor) Classes() []string            { return []string{"covid", "normal", "pneumonia"} }
func (stubPredictor) Transform() preprocessing.Transform {
	return preprocessing.DefaultTransform(8)
}

type stubRuns struct {
	runs   []registry.Run
	epochs map[string][]registry.Epoch
}

func (s *stubRuns) ListRuns(ctx context.Context, limit int) ([]registry.Run, error) {
	return s.runs, nil
}

func (s *stubRuns) GetRun(ctx context.Context, id string) (*registry.Run, error) {
	for i := range s.runs {
		if s.runs[i].ID == id {
			return &s.runs[i], nil
		}
	}
	return nil, registry.ErrRunNotFound
}

func (s *stubRuns) Epochs(ctx context.Context, runID string) ([]registry.Epoch, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.epochs[runID], nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 12, 12))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.SetGray(0, 0, color.Gray{Y: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, runs RunStore, maxMB int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	pipe, err := inference.NewImagePipeline(stubPredictor{})
	require.NoError(t, err)
	manifest := &checkpoints.Manifest{
		RunID:       "run-1",
		Members:     []checkpoints.Variant{checkpoints.BackboneA},
		Accuracy:    0.96,
		ClassLabels: []string{"covid", "normal", "pneumonia"},
	}
	return New(pipe, manifest, runs, config.ServerConfig{MaxUploadMB: maxMB}, nil).Router()
}

func performRequest(r http.Handler, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	r := newTestServer(t, nil, 1)
	w := performRequest(r, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestModel(t *testing.T) {
	r := newTestServer(t, nil, 1)
	w := performRequest(r, http.MethodGet, "/v1/model", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "backbone-a", body["variant"])
	assert.Len(t, body["classes"], 3)
	manifest := body["manifest"].(map[string]interface{})
	assert.Equal(t, "run-1", manifest["run_id"])
}

func TestPredictRawBody(t *testing.T) {
	r := newTestServer(t, nil, 1)
	w := performRequest(r, http.MethodPost, "/v1/predict", "image/png", bytes.NewReader(pngBytes(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res inference.PredictionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "normal", res.Label)
	assert.InDelta(t, 70, res.Confidence, 1e-3)
	assert.InDelta(t, 0.2, res.Probabilities["pneumonia"], 1e-6)
}

func TestPredictMultipart(t *testing.T) {
	r := newTestServer(t, nil, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "xray.png")
	require.NoError(t, err)
	_, err = fw.Write(pngBytes(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := performRequest(r, http.MethodPost, "/v1/predict", mw.FormDataContentType(), &body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "normal", decode(t, w)["class"])
}

func TestPredictMissingField(t *testing.T) {
	r := newTestServer(t, nil, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	w := performRequest(r, http.MethodPost, "/v1/predict", mw.FormDataContentType(), &body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredictMalformedImage(t *testing.T) {
	r := newTestServer(t, nil, 1)
	w := performRequest(r, http.MethodPost, "/v1/predict", "image/png", bytes.NewReader([]byte("not an image")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w), "error")
}

func TestPredictTooLarge(t *testing.T) {
	r := newTestServer(t, nil, 1)
	w := performRequest(r, http.MethodPost, "/v1/predict", "application/octet-stream", bytes.NewReader(make([]byte, 1<<20+10)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPredictMultipartTooLarge(t *testing.T) {
	r := newTestServer(t, nil, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "xray.png")
	require.NoError(t, err)
	_, err = fw.Write(make([]byte, 3<<20))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := performRequest(r, http.MethodPost, "/v1/predict", mw.FormDataContentType(), &body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRuns(t *testing.T) {
	runs := &stubRuns{
		runs: []registry.Run{{ID: "run-1", Status: registry.StatusSucceeded, Deployed: "backbone-a"}},
		epochs: map[string][]registry.Epoch{
			"run-1": {{RunID: "run-1", Variant: "backbone-a", Phase: "warm-up", EpochIndex: 0, ValAccuracy: 0.9}},
		},
	}
	r := newTestServer(t, runs, 1)

	w := performRequest(r, http.MethodGet, "/v1/runs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"], 1)

	w = performRequest(r, http.MethodGet, "/v1/runs/run-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(r, http.MethodGet, "/v1/runs/run-1/epochs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["epochs"], 1)

	w = performRequest(r, http.MethodGet, "/v1/runs/missing/epochs", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunsWithoutRegistry(t *testing.T) {
	r := newTestServer(t, nil, 1)
	w := performRequest(r, http.MethodGet, "/v1/runs", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
