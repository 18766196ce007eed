package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	DefaultAudioMIME = "audio/pcm;rate=16000"
)

// Reviewer action names.
const (
	ActionFalseAlarm = "false_alarm"
	ActionKick       = "kick"
	ActionResetScore = "reset_score"
)

// IsAction reports whether name is a known reviewer action.
func IsAction(name string) bool {
	switch name {
	case ActionFalseAlarm, ActionKick, ActionResetScore:
		return true
	default:
		return false
	}
}

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidSessionID reports whether id is usable as a session key.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type ClientInfo struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ClientJoin is the first frame on an examinee socket.
type ClientJoin struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	ReferencePath   string     `json:"reference_path,omitempty"`
	Client          ClientInfo `json:"client,omitempty"`
}

func (j ClientJoin) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             j.Type,
		"protocol_version": j.ProtocolVersion,
		"session_id":       j.SessionID,
		"has_reference":    strings.TrimSpace(j.ReferencePath) != "",
		"client":           j.Client,
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

type ObjectBox struct {
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box,omitempty"`
}

// TickFeatures carries perception results computed on the client or an
// upstream worker. Nil fields are unknown and are filled by the server's
// capability providers when a frame is also present.
type TickFeatures struct {
	FaceCount    *int        `json:"face_count,omitempty"`
	Landmarks    [][]Point   `json:"landmarks,omitempty"`
	Pose         *Pose       `json:"pose,omitempty"`
	Gaze         string      `json:"gaze,omitempty"`
	PhoneVisible *bool       `json:"phone_visible,omitempty"`
	Objects      []ObjectBox `json:"objects,omitempty"`
}

type ClientTick struct {
	Type        string        `json:"type"`
	Seq         int64         `json:"seq,omitempty"`
	TimestampMS *int64        `json:"timestamp_ms,omitempty"`
	FrameB64    string        `json:"frame_b64,omitempty"`
	Features    *TickFeatures `json:"features,omitempty"`
	EvidenceRef string        `json:"evidence_ref,omitempty"`
}

type ClientAudioChunk struct {
	Type             string   `json:"type"`
	Seq              int64    `json:"seq,omitempty"`
	TimestampMS      *int64   `json:"timestamp_ms,omitempty"`
	DataB64          string   `json:"data_b64,omitempty"`
	MIMEType         string   `json:"mime_type,omitempty"`
	Transcript       string   `json:"transcript,omitempty"`
	Energy           *float64 `json:"energy,omitempty"`
	SpeechConfidence *float64 `json:"speech_confidence,omitempty"`
}

type ClientLeave struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// DecodeClientMessage decodes one examinee frame.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "join":
		var msg ClientJoin
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid join frame", "")
		}
		if err := ValidateJoin(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "tick":
		var msg ClientTick
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tick", "")
		}
		if strings.TrimSpace(msg.FrameB64) == "" && msg.Features == nil {
			return nil, badRequest("tick requires frame_b64 or features", "features")
		}
		if f := msg.Features; f != nil {
			if f.FaceCount != nil && *f.FaceCount < 0 {
				return nil, badRequest("tick.features.face_count must be >= 0", "features.face_count")
			}
			switch f.Gaze {
			case "", "center", "left", "right":
			default:
				return nil, badRequest("tick.features.gaze must be center, left or right", "features.gaze")
			}
		}
		return msg, nil
	case "audio_chunk":
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" && strings.TrimSpace(msg.Transcript) == "" {
			return nil, badRequest("audio_chunk requires data_b64 or transcript", "data_b64")
		}
		if strings.TrimSpace(msg.MIMEType) == "" {
			msg.MIMEType = DefaultAudioMIME
		}
		return msg, nil
	case "leave":
		var msg ClientLeave
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid leave", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateJoin(msg ClientJoin) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("join.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return badRequest("join.session_id is required", "session_id")
	}
	if !ValidSessionID(msg.SessionID) {
		return badRequest("join.session_id must be 1-128 characters of [A-Za-z0-9_.:-]", "session_id")
	}
	return nil
}

// ReviewerAction asks the server to act on a live session.
type ReviewerAction struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// DecodeReviewerMessage decodes one reviewer frame.
func DecodeReviewerMessage(data []byte) (ReviewerAction, error) {
	var msg ReviewerAction
	if err := json.Unmarshal(data, &msg); err != nil {
		return ReviewerAction{}, badRequest("invalid json frame", "")
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return ReviewerAction{}, badRequest("missing type", "type")
	}
	if !IsAction(msg.Type) {
		return ReviewerAction{}, unsupported("unsupported reviewer action", "type")
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return ReviewerAction{}, badRequest("session_id is required", "session_id")
	}
	return msg, nil
}

type SpeechEvent struct {
	AtMS  int64  `json:"at_ms"`
	Text  string `json:"text"`
	Score int    `json:"score"`
	Tier  string `json:"tier"`
}

// SessionSnapshot is the reviewer-facing view of one session.
type SessionSnapshot struct {
	SessionID            string        `json:"session_id"`
	Status               string        `json:"status"`
	Reason               string        `json:"reason,omitempty"`
	Score                int           `json:"score"`
	Warnings             int           `json:"warnings"`
	PhoneState           string        `json:"phone_state"`
	VerificationInFlight bool          `json:"verification_in_flight"`
	JoinedAtMS           int64         `json:"joined_at_ms"`
	UpdatedAtMS          int64         `json:"updated_at_ms"`
	SpeechHistory        []SpeechEvent `json:"speech_history,omitempty"`
}

type Alert struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	Severity    string `json:"severity"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	Score       int    `json:"score"`
	AtMS        int64  `json:"at_ms"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

type JoinAckLimits struct {
	MaxFrameBytes int64 `json:"max_frame_bytes"`
	MaxTickFPS    int   `json:"max_tick_fps,omitempty"`
	MaxAudioBPS   int64 `json:"max_audio_bps,omitempty"`
}

type ServerJoinAck struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	Limits          *JoinAckLimits `json:"limits,omitempty"`
}

// ServerStatus is sent to the examinee whenever their status changes.
type ServerStatus struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type ServerKicked struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type ServerSessionList struct {
	Type     string            `json:"type"`
	Sessions []SessionSnapshot `json:"sessions"`
}

type ServerSessionJoined struct {
	Type    string          `json:"type"`
	Session SessionSnapshot `json:"session"`
}

type ServerSessionUpdate struct {
	Type    string          `json:"type"`
	Session SessionSnapshot `json:"session"`
}

type ServerSessionLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type ServerAlert struct {
	Type  string `json:"type"`
	Alert Alert  `json:"alert"`
}

type ServerActionAck struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
	Changed   bool   `json:"changed"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
