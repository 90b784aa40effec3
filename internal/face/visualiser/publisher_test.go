package visualiser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/face/sampler"
)

func testRecord(seq uint64) sampler.Record {
	snap := face.Neutral()
	snap.MouthOpen = 0.8
	return sampler.Record{
		Seq:      seq,
		Time:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Version:  7,
		Snapshot: snap,
		Sample: mapping.Sample{
			Channels:    map[mapping.ChannelID]float32{{Target: "mouth", Index: 0}: 80},
			Rotation:    quat.Number{Real: 1},
			HasRotation: true,
			HeadTarget:  "head",
		},
	}
}

func startBufconn(t *testing.T, cfg Config) (*Publisher, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	p := NewPublisher(cfg)
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
	return p, conn
}

func subscribe(t *testing.T, ctx context.Context, conn *grpc.ClientConn, req *structpb.Struct) (<-chan *structpb.Struct, <-chan error) {
	t.Helper()
	msgs := make(chan *structpb.Struct, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- Subscribe(ctx, conn, req, func(m *structpb.Struct) error {
			msgs <- m
			return nil
		})
	}()
	return msgs, errc
}

func waitForClients(t *testing.T, p *Publisher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.ClientCount() == n }, 2*time.Second, time.Millisecond)
}

func TestRecordToStruct(t *testing.T) {
	msg, err := RecordToStruct(testRecord(12))
	require.NoError(t, err)

	m := msg.AsMap()
	assert.Equal(t, 12.0, m["seq"])
	assert.Equal(t, 7.0, m["version"])
	assert.Equal(t, "2026-05-01T09:00:00Z", m["t"])
	assert.Equal(t, 0.8, m["params"].(map[string]interface{})["mouthOpen"])
	assert.Equal(t, 80.0, m["channels"].(map[string]interface{})["mouth/0"])
	assert.Equal(t, "head", m["head_target"])
	assert.Equal(t, map[string]interface{}{"w": 1.0, "x": 0.0, "y": 0.0, "z": 0.0}, m["rotation"])
}

func TestRecordToStruct_NoRotation(t *testing.T) {
	rec := testRecord(1)
	rec.Sample.HasRotation = false
	msg, err := RecordToStruct(rec)
	require.NoError(t, err)
	assert.NotContains(t, msg.AsMap(), "rotation")
	assert.NotContains(t, msg.AsMap(), "head_target")
}

func TestPublisher_StreamsRecords(t *testing.T) {
	p, conn := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"client": "test"})
	require.NoError(t, err)
	msgs, _ := subscribe(t, ctx, conn, req)
	waitForClients(t, p, 1)

	p.Observe(testRecord(1))
	p.Observe(testRecord(2))

	for _, want := range []float64{1, 2} {
		select {
		case m := <-msgs:
			assert.Equal(t, want, m.GetFields()["seq"].GetNumberValue())
			assert.Equal(t, 80.0, m.GetFields()["channels"].GetStructValue().GetFields()["mouth/0"].GetNumberValue())
		case <-time.After(2 * time.Second):
			t.Fatalf("record %v not received", want)
		}
	}
	assert.EqualValues(t, 2, p.Stats().Records)
}

func TestPublisher_EveryNth(t *testing.T) {
	p, conn := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"every": 2})
	require.NoError(t, err)
	msgs, _ := subscribe(t, ctx, conn, req)
	waitForClients(t, p, 1)

	for i := uint64(1); i <= 4; i++ {
		p.Observe(testRecord(i))
	}

	var got []float64
	for len(got) < 2 {
		select {
		case m := <-msgs:
			got = append(got, m.GetFields()["seq"].GetNumberValue())
		case <-time.After(2 * time.Second):
			t.Fatalf("received %v, want 2 records", got)
		}
	}
	assert.Equal(t, []float64{1, 3}, got)
}

func TestPublisher_MaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	p, conn := startBufconn(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribe(t, ctx, conn, nil)
	waitForClients(t, p, 1)

	_, errc := subscribe(t, ctx, conn, nil)
	select {
	case err := <-errc:
		assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("second subscription was not rejected")
	}
}

func TestPublisher_ClientDisconnect(t *testing.T) {
	p, conn := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	_, errc := subscribe(t, ctx, conn, nil)
	waitForClients(t, p, 1)

	cancel()
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	waitForClients(t, p, 0)
}

func TestPublisher_StopEndsStreams(t *testing.T) {
	p, conn := startBufconn(t, DefaultConfig())

	_, errc := subscribe(t, context.Background(), conn, nil)
	waitForClients(t, p, 1)

	p.Stop()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end on Stop")
	}
	assert.False(t, p.Stats().Running)
	p.Stop()
}

func TestPublisher_ObserveWithoutClientsIsNoop(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	p.Observe(testRecord(1)) // not running

	p2, _ := startBufconn(t, DefaultConfig())
	p2.Observe(testRecord(1))
	assert.Zero(t, p2.Stats().Records)
}

func TestPublisher_ServeTwice(t *testing.T) {
	p, _ := startBufconn(t, DefaultConfig())
	assert.Error(t, p.Serve(bufconn.Listen(1024)))
}
