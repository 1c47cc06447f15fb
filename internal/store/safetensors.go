package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// maxHeaderSize bounds the JSON header read from disk.
const maxHeaderSize = 100 << 20

type tensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// encodeTensors serializes images as F64 safetensors: an 8-byte
// little-endian header length, a JSON header and the raw tensor data.
func encodeTensors(tensors map[string]*tensor.Image) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	offset := 0
	for _, name := range names {
		img := tensors[name]
		size := img.Len() * 8
		header[name] = tensorInfo{
			DType:       "F64",
			Shape:       []int{img.H, img.W, img.C},
			DataOffsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	buf := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(headerJSON)))
	copy(buf[8:], headerJSON)

	data := buf[8+len(headerJSON):]
	for _, name := range names {
		info := header[name]
		for i, v := range tensors[name].Pix {
			binary.LittleEndian.PutUint64(data[info.DataOffsets[0]+i*8:], math.Float64bits(v))
		}
	}
	return buf, nil
}

func decodeTensors(raw []byte) (map[string]*tensor.Image, error) {
	if len(raw) < 8 {
		return nil, errors.New("safetensors: file too short")
	}
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	if headerSize > maxHeaderSize || 8+headerSize > uint64(len(raw)) {
		return nil, fmt.Errorf("safetensors: invalid header size %d", headerSize)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerSize], &header); err != nil {
		return nil, fmt.Errorf("safetensors: failed to parse header: %w", err)
	}

	data := raw[8+headerSize:]
	out := make(map[string]*tensor.Image, len(header))
	for name, msg := range header {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		if info.DType != "F64" || len(info.Shape) != 3 {
			return nil, fmt.Errorf("safetensors: tensor %s: unsupported %s %v", name, info.DType, info.Shape)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		n := info.Shape[0] * info.Shape[1] * info.Shape[2]
		if start < 0 || end > len(data) || end-start != n*8 {
			return nil, fmt.Errorf("safetensors: tensor %s: bad offsets %v", name, info.DataOffsets)
		}

		img := tensor.NewImage(info.Shape[0], info.Shape[1], info.Shape[2])
		for i := range img.Pix {
			img.Pix[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[start+i*8:]))
		}
		out[name] = img
	}
	return out, nil
}

// SaveTensor writes a single named image to path.
func SaveTensor(path, name string, img *tensor.Image) error {
	raw, err := encodeTensors(map[string]*tensor.Image{name: img})
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

// LoadTensor reads the named image from path.
func LoadTensor(path, name string) (*tensor.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tensors, err := decodeTensors(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img, ok := tensors[name]
	if !ok {
		return nil, fmt.Errorf("%s: no tensor named %q", path, name)
	}
	return img, nil
}
