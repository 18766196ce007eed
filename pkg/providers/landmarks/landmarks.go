// Package landmarks estimates head pose and gaze from a face-mesh landmark set
// using landmark distance ratios. It is cheap and approximate; a PnP solver
// would be more accurate.
package landmarks

import (
	"errors"
	"fmt"

	"github.com/vango-go/proctor/pkg/core/proctor"
)

// Face mesh indices.
const (
	noseTip         = 1
	forehead        = 10
	chin            = 152
	leftEyeOuter    = 33
	leftEyeInner    = 133
	rightEyeInner   = 362
	rightEyeOuter   = 263
	rightIrisCenter = 468
	leftIrisCenter  = 473
)

const epsilon = 1e-6

var ErrTooFewLandmarks = errors.New("landmarks: mesh has no iris points")

type PoseEstimator struct{}

// Estimate maps the nose offset between the inner eye corners to yaw and the
// nose offset between forehead and chin to pitch. Positive pitch is up.
func (PoseEstimator) Estimate(lm proctor.Landmarks) (proctor.Pose, error) {
	if err := need(lm, chin, rightEyeInner); err != nil {
		return proctor.Pose{}, err
	}
	nose := lm[noseTip]

	toLeft := abs(nose.X - lm[leftEyeInner].X)
	toRight := abs(nose.X - lm[rightEyeInner].X)
	yaw := (toLeft - toRight) / (toLeft + toRight + epsilon) * 90

	toForehead := abs(nose.Y - lm[forehead].Y)
	toChin := abs(nose.Y - lm[chin].Y)
	pitch := (toForehead - toChin) / (toForehead + toChin + epsilon) * -90

	return proctor.Pose{Yaw: yaw, Pitch: pitch}, nil
}

type GazeEstimator struct {
	// RightBelow and LeftAbove bound the averaged iris ratio. Defaults: 0.35, 0.65
	RightBelow float64
	LeftAbove  float64
}

func (g GazeEstimator) Estimate(lm proctor.Landmarks) (proctor.Gaze, error) {
	if err := need(lm, leftIrisCenter); err != nil {
		return "", err
	}
	right, left := g.RightBelow, g.LeftAbove
	if right <= 0 {
		right = 0.35
	}
	if left <= 0 {
		left = 0.65
	}

	ratio := (irisRatio(lm[leftIrisCenter].X, lm[leftEyeOuter].X, lm[leftEyeInner].X) +
		irisRatio(lm[rightIrisCenter].X, lm[rightEyeInner].X, lm[rightEyeOuter].X)) / 2

	switch {
	case ratio < right:
		return proctor.GazeRight, nil
	case ratio > left:
		return proctor.GazeLeft, nil
	default:
		return proctor.GazeCenter, nil
	}
}

// irisRatio is the iris position across the eye, clamped to [0,1]. A
// degenerate eye reads as centered.
func irisRatio(iris, cornerA, cornerB float64) float64 {
	lo, hi := cornerA, cornerB
	if hi < lo {
		lo, hi = hi, lo
	}
	width := hi - lo
	if width == 0 {
		return 0.5
	}
	r := (iris - lo) / width
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

func need(lm proctor.Landmarks, maxIndex ...int) error {
	for _, i := range maxIndex {
		if len(lm) <= i {
			if i >= rightIrisCenter {
				return ErrTooFewLandmarks
			}
			return fmt.Errorf("landmarks: need at least %d points, got %d", i+1, len(lm))
		}
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

var (
	_ proctor.PoseEstimator = PoseEstimator{}
	_ proctor.GazeEstimator = GazeEstimator{}
)
