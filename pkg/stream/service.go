package stream

import (
	"encoding/json"
	"time"

	"github.com/cuemby/tether/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	// ServiceName is the gRPC service hosting the runner stream
	ServiceName = "tether.runner.v1.RunnerStream"
	methodName  = "StreamRunnerData"
	// FullMethod is the fully qualified method name
	FullMethod = "/" + ServiceName + "/" + methodName

	codecName = "json"
)

// jsonCodec carries stream messages as JSON instead of protobuf
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// MessageType distinguishes keepalives from change notifications
type MessageType string

const (
	MessagePing   MessageType = "ping"
	MessageChange MessageType = "change"
)

// StreamRequest opens a stream. The runner identity comes from the bearer
// token, not from the request.
type StreamRequest struct {
	// Agent is informational, e.g. "tether-runner/<version>"
	Agent string `json:"agent,omitempty"`
}

// StreamMessage is one frame sent from the server to the runner
type StreamMessage struct {
	Type      MessageType        `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Event     *types.ChangeEvent `json:"event,omitempty"`
}

// runnerStreamServer is implemented by Guard
type runnerStreamServer interface {
	StreamRunnerData(req *StreamRequest, stream grpc.ServerStream) error
}

func streamRunnerDataHandler(srv any, stream grpc.ServerStream) error {
	req := new(StreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(runnerStreamServer).StreamRunnerData(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*runnerStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodName,
			Handler:       streamRunnerDataHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tether/runner/v1/stream",
}
