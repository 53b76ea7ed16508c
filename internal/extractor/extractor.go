// Package extractor defines the embedding extraction contract and the guard
// that enforces it around an opaque model backend.
package extractor

import (
	"context"
	"sort"

	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/matcher"
)

// FaceArea is the bounding box of a detected face in source image pixels.
type FaceArea struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Area returns the box area in pixels.
func (a FaceArea) Area() int {
	return a.W * a.H
}

func (a FaceArea) clamped() FaceArea {
	return FaceArea{X: max(a.X, 0), Y: max(a.Y, 0), W: max(a.W, 0), H: max(a.H, 0)}
}

// Detection is one face reported by a backend. Embedding is the backend's
// output as returned, before any contract checks.
type Detection struct {
	Embedding  []float64
	Area       FaceArea
	Confidence float64
}

// Backend is the model capability: face detection plus embedding generation.
type Backend interface {
	Detect(ctx context.Context, image []byte) ([]Detection, error)
	Name() string
}

// Result is a contract-checked extraction outcome.
type Result struct {
	Embedding matcher.Embedding
	FaceArea  FaceArea
	FaceCount int
	Model     string
}

// Extractor returns the embedding of the most prominent face in an image.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (*Result, error)
}

// SelectPrimary picks the detection with the largest bounding box. Ties keep
// the order reported by the backend. The second return value is the total
// number of faces.
func SelectPrimary(detections []Detection) (Detection, int, error) {
	if len(detections) == 0 {
		return Detection{}, 0, faceerr.New(faceerr.KindNoFaceDetected, "no face found in the image")
	}
	idx := make([]int, len(detections))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return detections[idx[i]].Area.clamped().Area() > detections[idx[j]].Area.clamped().Area()
	})
	return detections[idx[0]], len(detections), nil
}
