package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// Server runs an exported ONNX classifier whose graph takes an image batch
// plus a one-hot target mask and returns the logits together with the
// gradient of the masked logit sum with respect to the input.
type Server struct {
	session *ort.DynamicAdvancedSession
	meta    Metadata
	layout  tensor.Layout
	mu      sync.Mutex
	ownsEnv bool
}

// LoadMetadata reads and validates a metadata JSON file.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	meta.applyDefaults()
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// NewServer loads the model. libraryPath may be empty to use the platform
// default onnxruntime shared library.
func NewServer(modelPath, metadataPath, libraryPath string) (*Server, error) {
	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		ownsEnv = true
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{meta.InputName, meta.TargetName},
		[]string{meta.LogitsName, meta.GradientsName},
		nil)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session: session,
		meta:    *meta,
		layout:  tensor.Layout(meta.Layout),
		ownsEnv: ownsEnv,
	}, nil
}

func (s *Server) Metadata() *Metadata { return &s.meta }

// Infer evaluates one batch. Tensors are allocated per call so the batch
// size may vary between calls.
func (s *Server) Infer(req *InferenceRequest) (*InferenceResponse, error) {
	if err := req.Validate(&s.meta); err != nil {
		return nil, err
	}

	h, w, c := s.meta.ImageDims()
	batch := int64(len(req.Images))
	classes := int64(s.meta.NumClasses())

	inputData := make([]float32, 0, len(req.Images)*h*w*c)
	for _, img := range req.Images {
		inputData = img.AppendFloat32(inputData, s.layout)
	}
	mask := make([]float32, batch*classes)
	if req.TargetClass != NoTarget {
		for b := int64(0); b < batch; b++ {
			mask[b*classes+int64(req.TargetClass)] = 1
		}
	}

	inputShape := ort.NewShape(batch, int64(c), int64(h), int64(w))
	if s.layout == tensor.NHWC {
		inputShape = ort.NewShape(batch, int64(h), int64(w), int64(c))
	}

	var owned []ort.ArbitraryTensor
	defer func() {
		for _, t := range owned {
			t.Destroy()
		}
	}()

	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	owned = append(owned, inputTensor)

	maskTensor, err := ort.NewTensor(ort.NewShape(batch, classes), mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create target tensor: %w", err)
	}
	owned = append(owned, maskTensor)

	logitsTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, classes))
	if err != nil {
		return nil, fmt.Errorf("failed to create logits tensor: %w", err)
	}
	owned = append(owned, logitsTensor)

	gradTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create gradient tensor: %w", err)
	}
	owned = append(owned, gradTensor)

	s.mu.Lock()
	err = s.session.Run(
		[]ort.ArbitraryTensor{inputTensor, maskTensor},
		[]ort.ArbitraryTensor{logitsTensor, gradTensor})
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	resp := &InferenceResponse{Logits: make([][]float64, batch)}
	logits := logitsTensor.GetData()
	for b := int64(0); b < batch; b++ {
		row := make([]float64, classes)
		for k := int64(0); k < classes; k++ {
			row[k] = float64(logits[b*classes+k])
		}
		resp.Logits[b] = row
	}

	if req.TargetClass == NoTarget {
		return resp, nil
	}
	grads := gradTensor.GetData()
	per := h * w * c
	resp.Gradients = make([]*tensor.Image, batch)
	for b := 0; b < int(batch); b++ {
		g, err := tensor.FromFloat32(h, w, c, grads[b*per:(b+1)*per], s.layout)
		if err != nil {
			return nil, fmt.Errorf("failed to read gradients: %w", err)
		}
		resp.Gradients[b] = g
	}
	return resp, nil
}

func (s *Server) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.ownsEnv {
		ort.DestroyEnvironment()
	}
}
