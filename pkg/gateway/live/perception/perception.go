// Package perception turns an examinee tick frame into a proctor.Tick.
//
// Client-supplied features win. Whatever the client left out is computed from
// the frame by the configured capability providers. A provider error never
// fails the tick; it is recorded in Tick.Failed so the session can fail open.
package perception

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/proctor/pkg/core/proctor"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
)

type Options struct {
	Faces   proctor.FaceGeometryProvider
	Pose    proctor.PoseEstimator
	Gaze    proctor.GazeEstimator
	Objects proctor.ObjectDetector

	// PhoneMinConfidence filters object detector hits. Default: 0.30
	PhoneMinConfidence float64

	// Timeout bounds each provider call. Default: 3s
	Timeout time.Duration

	Tracer trace.Tracer
}

type Pipeline struct {
	opts Options
}

func New(opts Options) *Pipeline {
	if opts.PhoneMinConfidence <= 0 {
		opts.PhoneMinConfidence = proctor.DefaultThresholds().PhoneMinConfidence
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/vango-go/proctor/pkg/gateway/live/perception")
	}
	return &Pipeline{opts: opts}
}

// Build assembles the tick observed at at. It only returns an error for a
// malformed frame.
func (p *Pipeline) Build(ctx context.Context, sessionID string, at time.Time, msg protocol.ClientTick) (proctor.Tick, error) {
	tick := proctor.Tick{At: at, EvidenceRef: strings.TrimSpace(msg.EvidenceRef)}

	if raw := strings.TrimSpace(msg.FrameB64); raw != "" {
		frame, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return proctor.Tick{}, fmt.Errorf("decode frame_b64: %w", err)
		}
		tick.Frame = frame
	}

	f := msg.Features
	if f == nil {
		f = &protocol.TickFeatures{}
	}

	ctx, span := p.opts.Tracer.Start(ctx, "proctor.perceive",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("frame.bytes", len(tick.Frame)),
		))
	defer span.End()

	var (
		detection   proctor.FaceDetection
		boxes       []proctor.ObjectBox
		faceErr     error
		objErr      error
		needFaces   = f.FaceCount == nil || (*f.FaceCount > 0 && len(f.Landmarks) == 0 && (f.Pose == nil || f.Gaze == ""))
		needObjects = f.PhoneVisible == nil && f.Objects == nil
	)

	var g errgroup.Group
	if needFaces && len(tick.Frame) > 0 && p.opts.Faces != nil {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
			defer cancel()
			detection, faceErr = p.opts.Faces.Detect(callCtx, tick.Frame)
			return nil
		})
	}
	if needObjects && len(tick.Frame) > 0 && p.opts.Objects != nil {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
			defer cancel()
			boxes, objErr = p.opts.Objects.Detect(callCtx, tick.Frame)
			return nil
		})
	}
	_ = g.Wait()

	// Face count.
	switch {
	case f.FaceCount != nil:
		tick.FaceCount = *f.FaceCount
	case faceErr != nil:
		tick.Failed = append(tick.Failed, proctor.CapabilityFaceGeometry)
	case len(tick.Frame) > 0 && p.opts.Faces != nil:
		tick.FaceCount = detection.FaceCount
	default:
		tick.Failed = append(tick.Failed, proctor.CapabilityFaceGeometry)
	}

	var lm proctor.Landmarks
	if len(f.Landmarks) > 0 {
		lm = toLandmarks(f.Landmarks[0])
	} else if faceErr == nil && len(detection.Faces) > 0 {
		lm = detection.Faces[0]
	}

	if f.Pose != nil {
		tick.Pose = &proctor.Pose{Yaw: f.Pose.Yaw, Pitch: f.Pose.Pitch}
	} else if len(lm) > 0 && p.opts.Pose != nil {
		if pose, err := p.opts.Pose.Estimate(lm); err != nil {
			tick.Failed = append(tick.Failed, proctor.CapabilityPose)
		} else {
			tick.Pose = &pose
		}
	}

	if f.Gaze != "" {
		gz := proctor.Gaze(f.Gaze)
		tick.Gaze = &gz
	} else if len(lm) > 0 && p.opts.Gaze != nil {
		if gaze, err := p.opts.Gaze.Estimate(lm); err != nil {
			tick.Failed = append(tick.Failed, proctor.CapabilityGaze)
		} else {
			tick.Gaze = &gaze
		}
	}

	switch {
	case f.PhoneVisible != nil:
		tick.PhoneVisible = *f.PhoneVisible
	case f.Objects != nil:
		tick.PhoneVisible = proctor.PhoneVisible(toBoxes(f.Objects), p.opts.PhoneMinConfidence)
	case objErr != nil:
		tick.Failed = append(tick.Failed, proctor.CapabilityObjects)
	default:
		tick.PhoneVisible = proctor.PhoneVisible(boxes, p.opts.PhoneMinConfidence)
	}

	span.SetAttributes(
		attribute.Int("face.count", tick.FaceCount),
		attribute.Bool("phone.visible", tick.PhoneVisible),
		attribute.StringSlice("capability.failed", tick.Failed),
	)
	return tick, nil
}

func toLandmarks(pts []protocol.Point) proctor.Landmarks {
	out := make(proctor.Landmarks, len(pts))
	for i, p := range pts {
		out[i] = proctor.Point{X: p.X, Y: p.Y}
	}
	return out
}

func toBoxes(in []protocol.ObjectBox) []proctor.ObjectBox {
	out := make([]proctor.ObjectBox, len(in))
	for i, b := range in {
		out[i] = proctor.ObjectBox{ClassName: b.ClassName, Confidence: b.Confidence, Box: b.Box}
	}
	return out
}
