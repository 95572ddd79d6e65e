package decoder

import "sort"

// IOU is the intersection over union of two boxes. Boxes that do not overlap
// score 0.
func IOU(a, b Candidate) float64 {
	w := min(a.Xmax, b.Xmax) - max(a.Xmin, b.Xmin)
	h := min(a.Ymax, b.Ymax) - max(a.Ymin, b.Ymin)
	if w <= 0 || h <= 0 {
		return 0
	}
	overlap := float64(w) * float64(h)
	areaA := float64(a.Xmax-a.Xmin) * float64(a.Ymax-a.Ymin)
	areaB := float64(b.Xmax-b.Xmin) * float64(b.Ymax-b.Ymin)
	union := areaA + areaB - overlap
	if union <= 0 {
		return 0
	}
	return overlap / union
}

// Suppress runs greedy non-maximum suppression. Candidates are ordered by
// descending confidence with ties kept in input order; a candidate whose IOU
// with a stronger survivor reaches iouThreshold is dropped. The survivors with
// confidence >= keep are returned in that order.
func Suppress(cands []Candidate, iouThreshold, keep float32) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	for i := range sorted {
		if sorted[i].Confidence == 0 {
			continue
		}
		for j := i + 1; j < len(sorted); j++ {
			if IOU(sorted[i], sorted[j]) >= float64(iouThreshold) {
				sorted[j].Confidence = 0
			}
		}
	}
	kept := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		if c.Confidence >= keep {
			kept = append(kept, c)
		}
	}
	return kept
}
