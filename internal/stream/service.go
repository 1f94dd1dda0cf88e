package stream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "obstacles.v1.ObjectService"

const streamObjectsMethod = "/" + ServiceName + "/StreamObjects"

// ObjectServiceServer is the server API for ObjectService. Requests and
// frames are google.protobuf.Struct messages; the request field "topic"
// selects objects, static_objects or dynamic_objects.
type ObjectServiceServer interface {
	StreamObjects(*structpb.Struct, ObjectStreamServer) error
}

// ObjectStreamServer is the server side of a StreamObjects call.
type ObjectStreamServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type objectStreamServer struct {
	grpc.ServerStream
}

func (x *objectStreamServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func streamObjectsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ObjectServiceServer).StreamObjects(m, &objectStreamServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ObjectServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamObjects",
			Handler:       streamObjectsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "obstacles/v1/objects.proto",
}

// RegisterObjectServiceServer registers srv on s.
func RegisterObjectServiceServer(s grpc.ServiceRegistrar, srv ObjectServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ObjectServiceClient is the client API for ObjectService.
type ObjectServiceClient interface {
	StreamObjects(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (ObjectStreamClient, error)
}

// ObjectStreamClient is the client side of a StreamObjects call.
type ObjectStreamClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type objectServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewObjectServiceClient returns a client using cc.
func NewObjectServiceClient(cc grpc.ClientConnInterface) ObjectServiceClient {
	return &objectServiceClient{cc}
}

func (c *objectServiceClient) StreamObjects(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (ObjectStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], streamObjectsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &objectStreamClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type objectStreamClient struct {
	grpc.ClientStream
}

func (x *objectStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStreamRequest builds the request for topic.
func NewStreamRequest(topic string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"topic": structpb.NewStringValue(topic),
	}}
}
