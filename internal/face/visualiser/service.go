package visualiser

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/face.relay/internal/face/sampler"
)

// The service is declared by hand and carries google.protobuf.Struct
// messages, so no generated code is needed on either side:
//
//	service FaceStream {
//	  rpc Stream(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
const (
	ServiceName      = "facerelay.v1.FaceStream"
	streamMethodName = "Stream"
	streamMethod     = "/" + ServiceName + "/" + streamMethodName
)

// FaceStreamServer is the server API for the FaceStream service.
type FaceStreamServer interface {
	Stream(req *structpb.Struct, stream grpc.ServerStream) error
}

// Ensure Publisher implements the service.
var _ FaceStreamServer = (*Publisher)(nil)

var faceStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FaceStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethodName,
			Handler:       streamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "facerelay/v1/face_stream.proto",
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FaceStreamServer).Stream(req, stream)
}

// RegisterFaceStreamServer registers srv on s.
func RegisterFaceStreamServer(s grpc.ServiceRegistrar, srv FaceStreamServer) {
	s.RegisterService(&faceStreamServiceDesc, srv)
}

// Subscribe opens a stream on conn and calls fn for every record until the
// server ends the stream, ctx is cancelled, or fn returns an error. A
// stream ended by the server returns nil.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, req *structpb.Struct, fn func(*structpb.Struct) error) error {
	if req == nil {
		req = &structpb.Struct{}
	}
	stream, err := conn.NewStream(ctx, &faceStreamServiceDesc.Streams[0], streamMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// RecordToStruct encodes a sampled record as
//
//	{"seq": 12, "t": "2026-...Z", "version": 40,
//	 "params": {"mouthOpen": 0.8, ...},
//	 "channels": {"mouth/0": 80, ...},
//	 "head_target": "head", "rotation": {"w": 1, "x": 0, "y": 0, "z": 0}}
//
// The rotation keys are present only when the record carries a rotation.
func RecordToStruct(rec sampler.Record) (*structpb.Struct, error) {
	params := make(map[string]interface{})
	for name, v := range rec.Snapshot.Map() {
		params[name] = v
	}
	channels := make(map[string]interface{}, len(rec.Sample.Channels))
	for id, v := range rec.Sample.Channels {
		channels[id.String()] = float64(v)
	}

	m := map[string]interface{}{
		"seq":      float64(rec.Seq),
		"t":        rec.Time.UTC().Format(time.RFC3339Nano),
		"version":  float64(rec.Version),
		"params":   params,
		"channels": channels,
	}
	if rec.Sample.HasRotation {
		q := rec.Sample.Rotation
		m["head_target"] = rec.Sample.HeadTarget
		m["rotation"] = map[string]interface{}{
			"w": q.Real,
			"x": q.Imag,
			"y": q.Jmag,
			"z": q.Kmag,
		}
	}
	return structpb.NewStruct(m)
}
