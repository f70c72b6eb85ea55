package detector

import (
	"os"
	"path/filepath"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// Variant describes a YOLOv11 model size.
type Variant struct {
	Tag         string  `json:"variant"`
	ModelFile   string  `json:"model_file"`
	Description string  `json:"description"`
	Params      string  `json:"parameters"`
	SizeMB      float64 `json:"model_size_mb"`
}

var variants = map[string]Variant{
	detection.DetectorYOLOv11Nano: {
		Tag:         detection.DetectorYOLOv11Nano,
		ModelFile:   "yolov11n.onnx",
		Description: "Nano - Fastest, lowest accuracy",
		Params:      "2.6M",
		SizeMB:      6,
	},
	detection.DetectorYOLOv11Small: {
		Tag:         detection.DetectorYOLOv11Small,
		ModelFile:   "yolov11s.onnx",
		Description: "Small - Fast, good balance",
		Params:      "9.4M",
		SizeMB:      22,
	},
	detection.DetectorYOLOv11Medium: {
		Tag:         detection.DetectorYOLOv11Medium,
		ModelFile:   "yolov11m.onnx",
		Description: "Medium - Moderate speed, better accuracy",
		Params:      "20.1M",
		SizeMB:      50,
	},
	detection.DetectorYOLOv11Large: {
		Tag:         detection.DetectorYOLOv11Large,
		ModelFile:   "yolov11l.onnx",
		Description: "Large - Slower, high accuracy",
		Params:      "25.3M",
		SizeMB:      63,
	},
	detection.DetectorYOLOv11XLarge: {
		Tag:         detection.DetectorYOLOv11XLarge,
		ModelFile:   "yolov11x.onnx",
		Description: "Extra Large - Slowest, highest accuracy",
		Params:      "68.2M",
		SizeMB:      137,
	},
}

// LookupVariant returns the variant for a YOLO tag. Multi-device tags resolve
// to their single-device variant.
func LookupVariant(tag string) (Variant, bool) {
	v, ok := variants[detection.BaseVariant(tag)]
	return v, ok
}

// ModelFile resolves the model to load: an existing ModelPath wins, then
// <ModelDir>/<variant file>, then the bare variant file name.
func ModelFile(cfg detection.ModelConfig) string {
	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err == nil {
			return cfg.ModelPath
		}
	}
	v, ok := LookupVariant(cfg.Variant)
	if !ok {
		return cfg.ModelPath
	}
	if cfg.ModelDir != "" {
		return filepath.Join(cfg.ModelDir, v.ModelFile)
	}
	return v.ModelFile
}
