package proctor

import (
	"context"
	"time"
)

// Gaze is the coarse gaze direction reported by a GazeEstimator.
type Gaze string

const (
	GazeCenter Gaze = "center"
	GazeLeft   Gaze = "left"
	GazeRight  Gaze = "right"
)

// Pose is a head orientation in degrees.
type Pose struct {
	Yaw   float64
	Pitch float64
}

// Point is a normalized landmark coordinate in [0,1] image space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks is one face's landmark mesh, indexed like a 478-point face mesh.
type Landmarks []Point

// FaceDetection is the result of FaceGeometryProvider.Detect.
type FaceDetection struct {
	FaceCount int
	Faces     []Landmarks
}

// ObjectBox is one object detector hit.
type ObjectBox struct {
	ClassName  string
	Confidence float64
	Box        [4]float64
}

// VerificationResult is the outcome of one identity check.
type VerificationResult struct {
	Matched  bool
	Distance float64
	Error    string
}

// Capability providers. Implementations live outside the core.
type (
	FaceGeometryProvider interface {
		Detect(ctx context.Context, frame []byte) (FaceDetection, error)
	}

	PoseEstimator interface {
		Estimate(lm Landmarks) (Pose, error)
	}

	GazeEstimator interface {
		Estimate(lm Landmarks) (Gaze, error)
	}

	IdentityVerifier interface {
		Verify(ctx context.Context, referencePath string, frame []byte) (VerificationResult, error)
	}

	ObjectDetector interface {
		Detect(ctx context.Context, frame []byte) ([]ObjectBox, error)
	}

	Transcriber interface {
		Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
	}
)

// PhoneVisible reduces detector output to the per-tick boolean the PhoneTimer
// needs. A phone counts only when its confidence is strictly above minConfidence.
func PhoneVisible(boxes []ObjectBox, minConfidence float64) bool {
	for _, b := range boxes {
		if b.ClassName == "cell phone" && b.Confidence > minConfidence {
			return true
		}
	}
	return false
}

// Tick is one perception snapshot for a session.
type Tick struct {
	At        time.Time
	FaceCount int
	Pose      *Pose
	Gaze      *Gaze

	PhoneVisible bool

	// Frame is the sample image kept for a verification job, if any.
	Frame []byte

	// EvidenceRef is an opaque handle attached to alerts raised by this tick.
	EvidenceRef string

	// Failed lists capabilities that errored while building this tick.
	Failed []string
}

// Capability names used in Tick.Failed and diagnostics.
const (
	CapabilityFaceGeometry = "face_geometry"
	CapabilityPose         = "pose"
	CapabilityGaze         = "gaze"
	CapabilityObjects      = "object_detector"
	CapabilityIdentity     = "identity_verifier"
	CapabilityTranscriber  = "transcriber"
)

// HasFailed reports whether capability errored while building the tick.
func (t Tick) HasFailed(capability string) bool {
	for _, f := range t.Failed {
		if f == capability {
			return true
		}
	}
	return false
}
