package iface

// BoundingBox 是一个检测/分类结果。Coords 为原图像素坐标 (xmin, ymin, xmax, ymax)，
// 分类结果的 Coords 全为 0。
type BoundingBox struct {
	LabelID    int     `json:"label_id"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Coords     [4]int  `json:"coords"`
}

type Position struct {
	X, Y float32
}

type Box struct {
	LT Position
	RT Position
	RB Position
	LB Position
}

// Corners converts the (xmin, ymin, xmax, ymax) form into the four-corner box.
func (b BoundingBox) Corners() Box {
	xmin, ymin := float32(b.Coords[0]), float32(b.Coords[1])
	xmax, ymax := float32(b.Coords[2]), float32(b.Coords[3])
	return Box{
		LT: Position{X: xmin, Y: ymin},
		RT: Position{X: xmax, Y: ymin},
		RB: Position{X: xmax, Y: ymax},
		LB: Position{X: xmin, Y: ymax},
	}
}

func (b BoundingBox) Center() Position {
	return Position{
		X: float32(b.Coords[0]+b.Coords[2]) / 2,
		Y: float32(b.Coords[1]+b.Coords[3]) / 2,
	}
}

type RetData struct {
	Success bool
	Data    []BoundingBox
	Message string
}

type EngineConfig struct {
	Name         string
	Architecture string
	ModelPath    string
	Device       string
	Labels       []string
	Affinity     map[string]string
	State        int
}
