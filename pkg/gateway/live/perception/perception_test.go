package perception

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/vango-go/proctor/pkg/core/proctor"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
)

var at = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeFaces struct {
	det proctor.FaceDetection
	err error
	n   int
}

func (f *fakeFaces) Detect(ctx context.Context, frame []byte) (proctor.FaceDetection, error) {
	f.n++
	return f.det, f.err
}

type fakeObjects struct {
	boxes []proctor.ObjectBox
	err   error
}

func (f *fakeObjects) Detect(ctx context.Context, frame []byte) ([]proctor.ObjectBox, error) {
	return f.boxes, f.err
}

type fixedPose struct {
	pose proctor.Pose
	err  error
}

func (p fixedPose) Estimate(proctor.Landmarks) (proctor.Pose, error) { return p.pose, p.err }

type fixedGaze struct {
	gaze proctor.Gaze
	err  error
}

func (g fixedGaze) Estimate(proctor.Landmarks) (proctor.Gaze, error) { return g.gaze, g.err }

func frameTick() protocol.ClientTick {
	return protocol.ClientTick{Type: "tick", FrameB64: base64.StdEncoding.EncodeToString([]byte("jpeg")), EvidenceRef: "snap/1"}
}

func TestBuild_ComputesFromFrame(t *testing.T) {
	faces := &fakeFaces{det: proctor.FaceDetection{FaceCount: 1, Faces: []proctor.Landmarks{{{X: 0.5, Y: 0.5}}}}}
	p := New(Options{
		Faces:   faces,
		Pose:    fixedPose{pose: proctor.Pose{Yaw: 40}},
		Gaze:    fixedGaze{gaze: proctor.GazeLeft},
		Objects: &fakeObjects{boxes: []proctor.ObjectBox{{ClassName: "cell phone", Confidence: 0.31}}},
	})

	tick, err := p.Build(context.Background(), "s1", at, frameTick())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tick.FaceCount != 1 || tick.Pose == nil || tick.Pose.Yaw != 40 || tick.Gaze == nil || *tick.Gaze != proctor.GazeLeft {
		t.Fatalf("tick=%+v", tick)
	}
	if !tick.PhoneVisible {
		t.Fatal("phone should be visible at 0.31 confidence")
	}
	if string(tick.Frame) != "jpeg" || tick.EvidenceRef != "snap/1" || !tick.At.Equal(at) {
		t.Fatalf("frame/evidence/at not carried: %+v", tick)
	}
	if len(tick.Failed) != 0 {
		t.Fatalf("failed=%v", tick.Failed)
	}
}

func TestBuild_ClientFeaturesWin(t *testing.T) {
	faces := &fakeFaces{det: proctor.FaceDetection{FaceCount: 3}}
	p := New(Options{Faces: faces})
	one, no := 1, false
	msg := frameTick()
	msg.Features = &protocol.TickFeatures{FaceCount: &one, Pose: &protocol.Pose{Yaw: 1}, Gaze: "center", PhoneVisible: &no}

	tick, err := p.Build(context.Background(), "s1", at, msg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tick.FaceCount != 1 || faces.n != 0 {
		t.Fatalf("face_count=%d detect calls=%d, want client value and no detection", tick.FaceCount, faces.n)
	}
}

func TestBuild_FailuresAreRecorded(t *testing.T) {
	boom := errors.New("boom")
	p := New(Options{
		Faces:   &fakeFaces{err: boom},
		Objects: &fakeObjects{err: boom},
	})
	tick, err := p.Build(context.Background(), "s1", at, frameTick())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, c := range []string{proctor.CapabilityFaceGeometry, proctor.CapabilityObjects} {
		if !slices.Contains(tick.Failed, c) {
			t.Fatalf("failed=%v, missing %s", tick.Failed, c)
		}
	}
	if tick.PhoneVisible {
		t.Fatal("failed detector must read as no phone")
	}
}

func TestBuild_EstimatorFailureLeavesFieldUnknown(t *testing.T) {
	p := New(Options{
		Faces: &fakeFaces{det: proctor.FaceDetection{FaceCount: 1, Faces: []proctor.Landmarks{{{X: 0.1, Y: 0.1}}}}},
		Pose:  fixedPose{err: errors.New("degenerate")},
		Gaze:  fixedGaze{err: errors.New("no iris")},
	})
	tick, err := p.Build(context.Background(), "s1", at, frameTick())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tick.Pose != nil || tick.Gaze != nil {
		t.Fatalf("pose/gaze should be unknown: %+v", tick)
	}
	if !slices.Contains(tick.Failed, proctor.CapabilityPose) || !slices.Contains(tick.Failed, proctor.CapabilityGaze) {
		t.Fatalf("failed=%v", tick.Failed)
	}
}

func TestBuild_ObjectsListFilteredByConfidence(t *testing.T) {
	p := New(Options{})
	one := 1
	msg := protocol.ClientTick{Type: "tick", Features: &protocol.TickFeatures{
		FaceCount: &one,
		Objects:   []protocol.ObjectBox{{ClassName: "cell phone", Confidence: 0.2}, {ClassName: "book", Confidence: 0.9}},
	}}
	tick, err := p.Build(context.Background(), "s1", at, msg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tick.PhoneVisible {
		t.Fatal("low-confidence phone counted")
	}
}

func TestBuild_NoFrameNoCountIsFaceFailure(t *testing.T) {
	p := New(Options{})
	msg := protocol.ClientTick{Type: "tick", Features: &protocol.TickFeatures{Gaze: "left"}}
	tick, err := p.Build(context.Background(), "s1", at, msg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !tick.HasFailed(proctor.CapabilityFaceGeometry) {
		t.Fatalf("failed=%v, want face_geometry", tick.Failed)
	}
}

func TestBuild_BadBase64(t *testing.T) {
	p := New(Options{})
	if _, err := p.Build(context.Background(), "s1", at, protocol.ClientTick{FrameB64: "%%%"}); err == nil {
		t.Fatal("expected decode error")
	}
}
