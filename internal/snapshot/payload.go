package snapshot

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
)

// Output topics. The three payloads of one tick share a header.
const (
	TopicObjects        = "objects"
	TopicStaticObjects  = "static_objects"
	TopicDynamicObjects = "dynamic_objects"
)

// Topics lists the output topics in publication order.
var Topics = []string{TopicObjects, TopicStaticObjects, TopicDynamicObjects}

// Records returns the list published on topic, or nil for an unknown topic.
func (s *Snapshot) Records(topic string) []ObjectRecord {
	switch topic {
	case TopicObjects:
		return s.All
	case TopicStaticObjects:
		return s.Static
	case TopicDynamicObjects:
		return s.Dynamic
	default:
		return nil
	}
}

// Payload encodes the list for topic as a protobuf Struct:
//
//	{header: {seq, stamp, frame_id}, objects: [{id, pose, shape: {type, dimensions}, twist?}]}
func (s *Snapshot) Payload(topic string) *structpb.Struct {
	recs := s.Records(topic)
	objects := make([]*structpb.Value, 0, len(recs))
	for _, r := range recs {
		objects = append(objects, structpb.NewStructValue(recordStruct(r)))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"topic": structpb.NewStringValue(topic),
		"header": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"seq":      structpb.NewNumberValue(float64(s.Seq)),
			"stamp":    structpb.NewStringValue(s.Stamp.UTC().Format(time.RFC3339Nano)),
			"stamp_ns": structpb.NewNumberValue(float64(s.Stamp.UnixNano())),
			"frame_id": structpb.NewStringValue(s.FrameID),
		}}),
		"objects": structpb.NewListValue(&structpb.ListValue{Values: objects}),
	}}
}

func recordStruct(r ObjectRecord) *structpb.Struct {
	dims := r.Shape.Dimensions()
	dimValues := make([]*structpb.Value, len(dims))
	for i, d := range dims {
		dimValues[i] = structpb.NewNumberValue(d)
	}

	fields := map[string]*structpb.Value{
		"id": structpb.NewNumberValue(float64(r.ID)),
		"pose": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"position":    vecValue(r.Pose.Position),
			"orientation": quatValue(r.Pose.Orientation),
		}}),
		"shape": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"type":       structpb.NewStringValue(r.Shape.Kind.String()),
			"dimensions": structpb.NewListValue(&structpb.ListValue{Values: dimValues}),
		}}),
	}
	if r.Twist != nil {
		fields["twist"] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"linear":  vecValue(r.Twist.Linear),
			"angular": vecValue(r.Twist.Angular),
		}})
	}
	return &structpb.Struct{Fields: fields}
}

func vecValue(v r3.Vec) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"x": structpb.NewNumberValue(v.X),
		"y": structpb.NewNumberValue(v.Y),
		"z": structpb.NewNumberValue(v.Z),
	}})
}

func quatValue(q geom.Quaternion) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"x": structpb.NewNumberValue(q.X),
		"y": structpb.NewNumberValue(q.Y),
		"z": structpb.NewNumberValue(q.Z),
		"w": structpb.NewNumberValue(q.W),
	}})
}
