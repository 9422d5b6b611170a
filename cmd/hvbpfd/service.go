package main

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Empty is the StreamEvents request message: it carries no fields.
type Empty struct{}

// Event is one wire-level trace record, the gob-encoded analogue of the
// protobuf Event message a generated client would otherwise see.
type Event struct {
	TimestampNs uint64
	ProbeKind   string
	CPUID       uint32
	VMID        uint32
	EventID     uint32
	Name        string
	Args        [4]uint64
	NrArgs      uint32
	DurationNs  uint64
}

// EventBatch groups one broadcast tick's worth of events into a single
// stream message.
type EventBatch struct {
	Events []*Event
}

// TracerServer is the service interface hvbpfd implements.
type TracerServer interface {
	StreamEvents(*Empty, Tracer_StreamEventsServer) error
}

// UnimplementedTracerServer can be embedded to satisfy TracerServer for
// methods a particular server doesn't implement, matching the generated
// embedding convention grpc-go tooling produces.
type UnimplementedTracerServer struct{}

func (UnimplementedTracerServer) StreamEvents(*Empty, Tracer_StreamEventsServer) error {
	return status.Error(codes.Unimplemented, "method StreamEvents not implemented")
}

// Tracer_StreamEventsServer is the server-side stream handle StreamEvents
// sends batches through.
type Tracer_StreamEventsServer interface {
	Send(*EventBatch) error
	grpc.ServerStream
}

type tracerStreamEventsServer struct {
	grpc.ServerStream
}

func (x *tracerStreamEventsServer) Send(m *EventBatch) error {
	return x.ServerStream.SendMsg(m)
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TracerServer).StreamEvents(m, &tracerStreamEventsServer{stream})
}

// tracerServiceDesc is the hand-written equivalent of a protoc-generated
// grpc.ServiceDesc: one server-streaming method, no unary methods.
var tracerServiceDesc = grpc.ServiceDesc{
	ServiceName: "hvbpf.Tracer",
	HandlerType: (*TracerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "hvbpfd/service.go",
}

// RegisterTracerServer registers srv against s, the hand-written
// equivalent of a protoc-generated RegisterXServer function.
func RegisterTracerServer(s grpc.ServiceRegistrar, srv TracerServer) {
	s.RegisterService(&tracerServiceDesc, srv)
}
