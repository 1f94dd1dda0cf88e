// Package wire encodes pose samples as CBOR datagrams, one sample per
// datagram.
package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
)

// MaxDatagramSize bounds a single encoded pose message.
const MaxDatagramSize = 1500

// ErrInvalidMessage is wrapped by every validation failure in Decode.
var ErrInvalidMessage = errors.New("invalid pose message")

// encMode uses Core Deterministic Encoding so the same sample always
// produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// PoseMessage is the datagram payload. Orientation is (x, y, z, w).
type PoseMessage struct {
	Topic       string     `cbor:"topic"`
	StampNs     int64      `cbor:"stamp_ns"`
	FrameID     string     `cbor:"frame_id"`
	Position    [3]float64 `cbor:"position"`
	Orientation [4]float64 `cbor:"orientation"`
}

// FromSample builds the message published on topic for s.
func FromSample(topic string, s geom.PoseSample) PoseMessage {
	q := s.Pose.Orientation
	return PoseMessage{
		Topic:       topic,
		StampNs:     s.Stamp.UnixNano(),
		FrameID:     s.FrameID,
		Position:    [3]float64{s.Pose.Position.X, s.Pose.Position.Y, s.Pose.Position.Z},
		Orientation: [4]float64{q.X, q.Y, q.Z, q.W},
	}
}

// ToSample converts m to a PoseSample with a normalized orientation.
func (m PoseMessage) ToSample() geom.PoseSample {
	q := geom.Quaternion{X: m.Orientation[0], Y: m.Orientation[1], Z: m.Orientation[2], W: m.Orientation[3]}
	return geom.PoseSample{
		Pose: geom.Pose{
			Position:    r3.Vec{X: m.Position[0], Y: m.Position[1], Z: m.Position[2]},
			Orientation: q.Normalized(),
		},
		Stamp:   time.Unix(0, m.StampNs).UTC(),
		FrameID: m.FrameID,
	}
}

// Validate rejects messages that would poison the cache.
func (m PoseMessage) Validate() error {
	if m.Topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidMessage)
	}
	for _, v := range m.Position {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite position %v", ErrInvalidMessage, m.Position)
		}
	}
	for _, v := range m.Orientation {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite orientation %v", ErrInvalidMessage, m.Orientation)
		}
	}
	return nil
}

// Encode marshals m.
func Encode(m PoseMessage) ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pose message: %w", err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("encoded pose message is %d bytes, max %d", len(data), MaxDatagramSize)
	}
	return data, nil
}

// Decode unmarshals and validates one datagram.
func Decode(data []byte) (PoseMessage, error) {
	var m PoseMessage
	if len(data) > MaxDatagramSize {
		return m, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidMessage, len(data), MaxDatagramSize)
	}
	if err := decMode.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
