package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/model/modeltest"
	"github.com/Brownie44l1/fer-ig/internal/pipeline"
	"github.com/Brownie44l1/fer-ig/internal/preprocess"
	"github.com/Brownie44l1/fer-ig/internal/store"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ledger, err := store.OpenLedger(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	p := &pipeline.Pipeline{
		Model:         modeltest.NewQuadratic(8, []float64{1, 2, 0.5}),
		Normalization: preprocess.Centered,
		Steps:         4,
		BatchSize:     2,
		TopK:          2,
		OutputDir:     t.TempDir(),
		Ledger:        ledger,
	}
	srv := httptest.NewServer(NewHandler(p, 1, nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	img.SetRGBA(0, 0, color.RGBA{255, 255, 255, 255})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "face.png")
	require.NoError(t, err)
	require.NoError(t, png.Encode(fw, img))
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func upload(t *testing.T, url string, fields map[string]string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, fields)
	resp, err := http.Post(url, contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPredictRawArray(t *testing.T) {
	srv := newServer(t)

	raw := make([]float32, 8*8*3)
	for i := range raw {
		raw[i] = 0.25
	}
	payload, err := json.Marshal(PredictionRequest{Image: raw})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.PredictionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "class_1", got.Class)
	assert.Len(t, got.Predictions, 2)

	resp2, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader([]byte(`{"image":[1,2]}`)))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/predict")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func TestPredictFromImage(t *testing.T) {
	srv := newServer(t)
	resp := upload(t, srv.URL+"/predict/image", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.PredictionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "class_1", got.Class)
}

func TestExplainFromImage(t *testing.T) {
	srv := newServer(t)
	resp := upload(t, srv.URL+"/explain/image", map[string]string{"class": "class_2", "steps": "6"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got ExplainResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got.Class)
	assert.Equal(t, 6, got.Steps)
	assert.Equal(t, "face", got.ImageID)
	assert.NotEmpty(t, got.RunID)
	assert.InDelta(t, got.ScoreDelta*7/6, got.IntegralEstimate, 1e-9)

	runsResp, err := http.Get(srv.URL + "/runs?image=face")
	require.NoError(t, err)
	defer runsResp.Body.Close()
	var runs []store.RunInfo
	require.NoError(t, json.NewDecoder(runsResp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, got.RunID, runs[0].ID)
}

func TestExplainParallelUploadsSameName(t *testing.T) {
	srv := newServer(t)

	type result struct {
		status int
		body   ExplainResponse
		err    error
	}
	results := make([]result, 2)
	bodies := make([]*bytes.Buffer, len(results))
	contentTypes := make([]string, len(results))
	for i := range bodies {
		bodies[i], contentTypes[i] = multipartBody(t, map[string]string{"class": "1", "steps": strconv.Itoa(5 + 3*i)})
	}

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/explain/image", contentTypes[i], bodies[i])
			if err != nil {
				results[i].err = err
				return
			}
			defer resp.Body.Close()
			results[i].status = resp.StatusCode
			results[i].err = json.NewDecoder(resp.Body).Decode(&results[i].body)
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.status)
	}
	assert.NotEqual(t, results[0].body.RunID, results[1].body.RunID)
	dir := results[0].body.Dir
	assert.Equal(t, dir, results[1].body.Dir)

	artifacts, err := store.OpenArtifacts(dir)
	require.NoError(t, err)
	run, err := artifacts.LoadRun()
	require.NoError(t, err)
	stored, err := artifacts.LoadTotal()
	require.NoError(t, err)

	steps, err := filepath.Glob(filepath.Join(dir, "step_*.safetensors"))
	require.NoError(t, err)
	assert.Len(t, steps, run.Steps+1)

	again, err := pipeline.Reintegrate(dir)
	require.NoError(t, err)
	assert.Equal(t, stored.Pix, again.Total.Pix)
	assert.Equal(t, run.Steps, again.Steps)
}

func TestExplainRejectsBadInput(t *testing.T) {
	srv := newServer(t)

	resp := upload(t, srv.URL+"/explain/image", map[string]string{"steps": "0"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = upload(t, srv.URL+"/explain/image", map[string]string{"class": "7"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = upload(t, srv.URL+"/explain/image", map[string]string{"class": "owl"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
