package handlers

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/pipeline"
	"github.com/Brownie44l1/fer-ig/internal/preprocess"
	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

type Handler struct {
	pipeline  *pipeline.Pipeline
	maxUpload int64
	logger    *zap.Logger
}

func NewHandler(p *pipeline.Pipeline, maxUploadMB int, logger *zap.Logger) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		pipeline:  p,
		maxUpload: int64(maxUploadMB) << 20,
		logger:    logger,
	}
}

// PredictionRequest carries one preprocessed image in HWC order.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type ExplainResponse struct {
	RunID            string                    `json:"run_id"`
	ImageID          string                    `json:"image_id"`
	Class            int                       `json:"class"`
	ClassName        string                    `json:"class_name"`
	Steps            int                       `json:"steps"`
	StartLogit       float64                   `json:"start_logit"`
	EndLogit         float64                   `json:"end_logit"`
	ScoreDelta       float64                   `json:"score_delta"`
	IntegralEstimate float64                   `json:"integral_estimate"`
	Error            float64                   `json:"error"`
	Dir              string                    `json:"dir"`
	Prediction       *model.PredictionResponse `json:"prediction"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxUpload))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	meta := h.pipeline.Model.Metadata()
	height, width, channels := meta.ImageDims()
	img, err := tensor.FromFloat32(height, width, channels, req.Image, tensor.NHWC)
	if err != nil {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", height*width*channels, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	result, err := model.Classify(h.pipeline.Model, img, h.pipeline.TopK)
	if err != nil {
		h.logger.Error("prediction failed", zap.Error(err))
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

// readImage parses the multipart form and decodes its "image" field.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) (image.Image, string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, "", false
	}

	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return nil, "", false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return nil, "", false
	}
	defer file.Close()

	h.logger.Debug("received file", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	img, format, err := preprocess.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return nil, "", false
	}
	h.logger.Debug("decoded image", zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()), zap.Int("height", img.Bounds().Dy()))

	return img, header.Filename, true
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	img, _, ok := h.readImage(w, r)
	if !ok {
		return
	}

	result, err := h.pipeline.Classify(img)
	if err != nil {
		h.logger.Error("prediction failed", zap.Error(err))
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

// ExplainFromImage runs integrated gradients on an uploaded image. Optional
// form fields: class (index or name) and steps.
func (h *Handler) ExplainFromImage(w http.ResponseWriter, r *http.Request) {
	img, filename, ok := h.readImage(w, r)
	if !ok {
		return
	}

	opts := pipeline.ExplainOptions{Name: filename, Class: model.NoTarget}
	if c := r.FormValue("class"); c != "" {
		if idx, err := strconv.Atoi(c); err == nil {
			opts.Class = idx
		} else {
			opts.ClassName = c
		}
	}
	if s := r.FormValue("steps"); s != "" {
		steps, err := strconv.Atoi(s)
		if err != nil || steps < 1 {
			http.Error(w, "steps must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.Steps = steps
	}

	res, err := h.pipeline.Explain(r.Context(), img, opts)
	if err != nil {
		h.logger.Error("attribution failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Attribution failed: %v", err), statusFor(err))
		return
	}

	exp := res.Explanation
	writeJSON(w, ExplainResponse{
		RunID:            res.Run.ID,
		ImageID:          res.Run.ImageID,
		Class:            exp.Class,
		ClassName:        exp.ClassName,
		Steps:            res.Run.Steps,
		StartLogit:       exp.StartLogit,
		EndLogit:         exp.EndLogit,
		ScoreDelta:       exp.ScoreDelta,
		IntegralEstimate: exp.IntegralEstimate,
		Error:            exp.Error,
		Dir:              res.Run.Dir,
		Prediction:       exp.Prediction,
	})
}

func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	if h.pipeline.Ledger == nil {
		http.Error(w, "Run ledger disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.pipeline.Ledger.List(r.URL.Query().Get("image"), limit)
	if err != nil {
		h.logger.Error("listing runs failed", zap.Error(err))
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}
