package iface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundingBox_Geometry(t *testing.T) {
	b := BoundingBox{LabelID: 3, Label: "car", Confidence: 0.9, Coords: [4]int{10, 20, 50, 60}}

	t.Run("Corners", func(t *testing.T) {
		box := b.Corners()
		assert.Equal(t, Position{X: 10, Y: 20}, box.LT)
		assert.Equal(t, Position{X: 50, Y: 20}, box.RT)
		assert.Equal(t, Position{X: 50, Y: 60}, box.RB)
		assert.Equal(t, Position{X: 10, Y: 60}, box.LB)
	})

	t.Run("Center", func(t *testing.T) {
		assert.Equal(t, Position{X: 30, Y: 40}, b.Center())
	})

	t.Run("Classifier result has no extent", func(t *testing.T) {
		c := BoundingBox{LabelID: 1, Confidence: 0.5}
		assert.Equal(t, Position{}, c.Center())
	})
}
