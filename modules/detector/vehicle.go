package detector

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// Vehicle type names.
const (
	VehicleCar        = "car"
	VehicleTruck      = "truck"
	VehicleBus        = "bus"
	VehicleMotorcycle = "motorcycle"
	VehicleBicycle    = "bicycle"
	VehicleTrain      = "train"
	VehicleBoat       = "boat"
	VehicleAirplane   = "airplane"
)

// vehicleClasses maps COCO class ids to vehicle types.
var vehicleClasses = map[int]string{
	1: VehicleBicycle,
	2: VehicleCar,
	3: VehicleMotorcycle,
	4: VehicleAirplane,
	5: VehicleBus,
	6: VehicleTrain,
	7: VehicleTruck,
	8: VehicleBoat,
}

// VehicleClassIDs returns the COCO ids of every vehicle class, sorted.
func VehicleClassIDs() []int {
	return slices.Sorted(maps.Keys(vehicleClasses))
}

// VehicleTypes returns every supported vehicle type, sorted.
func VehicleTypes() []string {
	return slices.Sorted(maps.Values(vehicleClasses))
}

// VehicleClassNames returns the COCO id to vehicle type mapping.
func VehicleClassNames() map[int]string {
	return maps.Clone(vehicleClasses)
}

// VehicleCategories groups vehicle types into ground, heavy, light and all.
func VehicleCategories() map[string][]string {
	return map[string][]string{
		"ground_vehicles": {VehicleBicycle, VehicleBus, VehicleCar, VehicleMotorcycle, VehicleTruck},
		"heavy_vehicles":  {VehicleBus, VehicleTrain, VehicleTruck},
		"light_vehicles":  {VehicleBicycle, VehicleCar, VehicleMotorcycle},
		"all_vehicles":    VehicleTypes(),
	}
}

// VehicleStats are cumulative counters of a VehicleProcessor.
type VehicleStats struct {
	TotalDetections uint64            `json:"total_detections"`
	CountsByType    map[string]uint64 `json:"vehicle_counts_by_type"`
	TypesFilter     []string          `json:"vehicle_types_filter"`
	MinSize         float64           `json:"min_vehicle_size"`
}

// VehicleProcessor keeps vehicle detections and annotates them with type,
// size category and, for multi-type detection, a sub-type.
type VehicleProcessor struct {
	cfg        detection.VehicleConfig
	confidence float64
	multiType  bool
	allowed    map[string]bool

	mu     sync.Mutex
	total  uint64
	counts map[string]uint64
}

var (
	_ Processor = (*VehicleProcessor)(nil)
	_ Annotator = (*VehicleProcessor)(nil)
	_ Reporter  = (*VehicleProcessor)(nil)
)

// NewVehicleProcessor builds the processor. confidence is the default
// threshold for types without an entry in cfg.ConfidenceByType. multiType
// enables sub-classification and custom type mapping.
func NewVehicleProcessor(cfg detection.VehicleConfig, confidence float64, multiType bool) *VehicleProcessor {
	types := cfg.Types
	if len(types) == 0 {
		types = VehicleTypes()
	}
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return &VehicleProcessor{
		cfg:        cfg,
		confidence: confidence,
		multiType:  multiType,
		allowed:    allowed,
		counts:     make(map[string]uint64),
	}
}

func (p *VehicleProcessor) Process(in []detection.Detection) []detection.Detection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := in[:0]
	for i, d := range in {
		vehicleType, ok := vehicleClasses[d.ClassID]
		if !ok || !p.allowed[vehicleType] {
			continue
		}
		area := d.BBox.Area()
		if area < p.cfg.MinSize {
			continue
		}
		threshold := p.confidence
		if t, ok := p.cfg.ConfidenceByType[vehicleType]; ok {
			threshold = t
		}
		if d.Confidence < threshold {
			continue
		}

		if d.Attributes == nil {
			d.Attributes = make(map[string]any)
		}
		d.ClassName = vehicleType
		d.Attributes["vehicle_type"] = vehicleType
		d.Attributes["aspect_ratio"] = aspectRatio(d.BBox)
		d.Attributes["size_category"] = SizeCategory(vehicleType, area)
		d.Attributes["detection_id"] = fmt.Sprintf("vehicle_%d_%d", p.total, i)

		if p.multiType && p.cfg.SubClassification {
			if sub := SubType(vehicleType, d.BBox); sub != "" {
				d.Attributes["sub_type"] = sub
			}
		}
		if p.multiType {
			if custom, ok := p.cfg.CustomTypes[vehicleType]; ok {
				d.Attributes["custom_type"] = custom
			}
		}

		p.counts[vehicleType]++
		out = append(out, d)
	}
	p.total += uint64(len(out))
	return out
}

// Annotate adds per-frame vehicle counts to the result.
func (p *VehicleProcessor) Annotate(r *detection.DetectionResult) {
	counts := r.ClassCounts()
	p.mu.Lock()
	total := p.total
	p.mu.Unlock()

	r.ModelInfo["detector_type"] = "VehicleDetector"
	r.ModelInfo["vehicle_types_detected"] = slices.Sorted(maps.Keys(counts))
	r.ModelInfo["vehicle_counts"] = counts
	r.ModelInfo["total_vehicles_detected"] = total
}

// Stats returns a snapshot of the cumulative counters.
func (p *VehicleProcessor) Stats() VehicleStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return VehicleStats{
		TotalDetections: p.total,
		CountsByType:    maps.Clone(p.counts),
		TypesFilter:     slices.Sorted(maps.Keys(p.allowed)),
		MinSize:         p.cfg.MinSize,
	}
}

func (p *VehicleProcessor) Report() map[string]any {
	return map[string]any{
		"detector_type":      "VehicleDetector",
		"supported_vehicles": VehicleTypes(),
		"vehicle_statistics": p.Stats(),
	}
}

func aspectRatio(b detection.BoundingBox) float64 {
	if b.Height() <= 0 {
		return 0
	}
	return b.Width() / b.Height()
}

// SizeCategory buckets a box area into small, medium or large using per-type
// thresholds. Types without thresholds are "unknown".
func SizeCategory(vehicleType string, area float64) string {
	var small, medium float64
	switch vehicleType {
	case VehicleBicycle, VehicleMotorcycle:
		small, medium = 5000, 15000
	case VehicleCar:
		small, medium = 10000, 25000
	case VehicleTruck, VehicleBus:
		small, medium = 20000, 50000
	default:
		return "unknown"
	}
	switch {
	case area < small:
		return "small"
	case area < medium:
		return "medium"
	default:
		return "large"
	}
}

// SubType refines cars by shape and trucks by size. Other types have none.
func SubType(vehicleType string, b detection.BoundingBox) string {
	switch vehicleType {
	case VehicleCar:
		w, h := b.Width(), b.Height()
		switch {
		case h > 0 && w/h > 2.5:
			return "sedan"
		case w > 0 && h/w > 0.7:
			return "suv"
		default:
			return "hatchback"
		}
	case VehicleTruck:
		if b.Area() > 50000 {
			return "heavy_truck"
		}
		return "light_truck"
	}
	return ""
}
