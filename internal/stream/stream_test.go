package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
	"github.com/banshee-data/mocap-obstacles/internal/registry"
	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func startPublisher(t *testing.T, cfg Config) (*Publisher, ObjectServiceClient) {
	t.Helper()
	p := NewPublisher(cfg)
	lis := bufconn.Listen(1 << 20)
	require.NoError(t, p.Serve(lis))
	t.Cleanup(p.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return p, NewObjectServiceClient(conn)
}

func testSnapshot(seq uint64) *snapshot.Snapshot {
	a := snapshot.ObjectRecord{ID: 0, Name: "A", Category: registry.Static,
		Pose: geom.Pose{Orientation: geom.IdentityQuaternion()}, Shape: registry.SphereShape(0.2)}
	b := snapshot.ObjectRecord{ID: 1, Name: "B", Category: registry.Dynamic,
		Pose: geom.Pose{Orientation: geom.IdentityQuaternion()}, Shape: registry.BoxShape(0.3, 0.3, 0.3)}
	return &snapshot.Snapshot{
		Seq:     seq,
		Stamp:   time.Unix(1700000000, 0).UTC(),
		FrameID: "world",
		All:     []snapshot.ObjectRecord{a, b},
		Static:  []snapshot.ObjectRecord{a},
		Dynamic: []snapshot.ObjectRecord{b},
	}
}

func waitClients(t *testing.T, p *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().ClientCount == n },
		2*time.Second, 5*time.Millisecond)
}

func TestStreamObjects_SendsSelectedTopic(t *testing.T) {
	p, client := startPublisher(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dyn, err := client.StreamObjects(ctx, NewStreamRequest(snapshot.TopicDynamicObjects))
	require.NoError(t, err)
	all, err := client.StreamObjects(ctx, &structpb.Struct{})
	require.NoError(t, err)
	waitClients(t, p, 2)

	require.NoError(t, p.PublishSnapshot(testSnapshot(5)))

	frame, err := dyn.Recv()
	require.NoError(t, err)
	assert.Equal(t, snapshot.TopicDynamicObjects, frame.Fields["topic"].GetStringValue())
	assert.Len(t, frame.Fields["objects"].GetListValue().GetValues(), 1)
	assert.Equal(t, 5.0, frame.Fields["header"].GetStructValue().Fields["seq"].GetNumberValue())

	frame, err = all.Recv()
	require.NoError(t, err)
	assert.Equal(t, snapshot.TopicObjects, frame.Fields["topic"].GetStringValue())
	assert.Len(t, frame.Fields["objects"].GetListValue().GetValues(), 2)

	assert.Equal(t, uint64(1), p.Stats().FrameCount)
}

func TestStreamObjects_UnknownTopic(t *testing.T) {
	_, client := startPublisher(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.StreamObjects(ctx, NewStreamRequest("tracks"))
	require.NoError(t, err)
	_, err = s.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStreamObjects_MaxClients(t *testing.T) {
	p, client := startPublisher(t, Config{MaxClients: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.StreamObjects(ctx, NewStreamRequest(snapshot.TopicObjects))
	require.NoError(t, err)
	waitClients(t, p, 1)

	second, err := client.StreamObjects(ctx, NewStreamRequest(snapshot.TopicObjects))
	require.NoError(t, err)
	_, err = second.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStreamObjects_ClientDisconnect(t *testing.T) {
	p, client := startPublisher(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := client.StreamObjects(ctx, NewStreamRequest(snapshot.TopicObjects))
	require.NoError(t, err)
	waitClients(t, p, 1)

	cancel()
	waitClients(t, p, 0)
}

func TestStop_EndsStreams(t *testing.T) {
	p, client := startPublisher(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.StreamObjects(ctx, NewStreamRequest(snapshot.TopicObjects))
	require.NoError(t, err)
	waitClients(t, p, 1)

	p.Stop()
	_, err = s.Recv()
	assert.Error(t, err)
	assert.False(t, p.Stats().Running)

	// Publishing after stop is a silent no-op.
	assert.NoError(t, p.PublishSnapshot(testSnapshot(1)))
	assert.Equal(t, uint64(0), p.Stats().FrameCount)
}

func TestServe_Twice(t *testing.T) {
	p, _ := startPublisher(t, Config{})
	assert.Error(t, p.Serve(bufconn.Listen(1024)))
}

func TestRequestTopic(t *testing.T) {
	t.Parallel()

	topic, err := requestTopic(nil)
	require.NoError(t, err)
	assert.Equal(t, snapshot.TopicObjects, topic)

	topic, err = requestTopic(NewStreamRequest(snapshot.TopicStaticObjects))
	require.NoError(t, err)
	assert.Equal(t, snapshot.TopicStaticObjects, topic)
}
