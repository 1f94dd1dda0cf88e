package stream

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
)

// Ensure Server implements the gRPC interface.
var _ ObjectServiceServer = (*Server)(nil)

// Server implements ObjectService on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// requestTopic extracts the topic, defaulting to objects.
func requestTopic(req *structpb.Struct) (string, error) {
	topic := snapshot.TopicObjects
	if v, ok := req.GetFields()["topic"]; ok {
		topic = v.GetStringValue()
	}
	for _, t := range snapshot.Topics {
		if t == topic {
			return topic, nil
		}
	}
	return "", status.Errorf(codes.InvalidArgument, "unknown topic %q", topic)
}

// StreamObjects sends one frame per published snapshot until the client
// goes away or the publisher stops.
func (s *Server) StreamObjects(req *structpb.Struct, stream ObjectStreamServer) error {
	topic, err := requestTopic(req)
	if err != nil {
		return err
	}
	client := s.publisher.addClient(topic)
	if client == nil {
		return status.Errorf(codes.ResourceExhausted, "max clients (%d) reached", s.publisher.config.MaxClients)
	}
	defer s.publisher.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case snap := <-client.frameCh:
			if err := stream.Send(snap.Payload(topic)); err != nil {
				monitoring.Logf("[Stream] Send error for %s: %v", client.id, err)
				return err
			}
		}
	}
}
