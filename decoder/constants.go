package decoder

// Thresholds holds the fixed filtering constants of one architecture.
type Thresholds struct {
	// Keep is the final confidence filter.
	Keep float32
	// FirstStage filters objectness and class probability per grid cell (YOLO).
	FirstStage float32
	IOU        float32
	TopK       int
}

var (
	SSDThresholds        = Thresholds{Keep: 0.45}
	FasterRCNNThresholds = Thresholds{Keep: 0.45}
	YOLOThresholds       = Thresholds{FirstStage: 0.5, Keep: 0.4, IOU: 0.4}
	ClassifierThresholds = Thresholds{Keep: 0.01, TopK: 10}
)

// DetectionObjectSize is the record width of a DetectionOutput layer:
// image_id, label, confidence, xmin, ymin, xmax, ymax.
const DetectionObjectSize = 7

const (
	regionYoloType = "RegionYolo"
	defaultNum     = 3
	defaultCoords  = 4
	maxYOLOHeads   = 3
)

var DefaultAnchors = []float32{
	10, 13, 16, 30, 33, 23,
	30, 61, 62, 45, 59, 119,
	116, 90, 156, 198, 373, 326,
}

// AnchorOffsets maps a YOLO grid side to the first anchor used by that head.
var AnchorOffsets = map[int]int{
	13: 12,
	26: 6,
	52: 0,
}
