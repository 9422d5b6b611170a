// Command hvbpfd is a demonstration daemon for the hypervisor tracing
// framework: it boots a runtime, loads and attaches a small built-in
// program to the VM-lifecycle tracepoints, and streams every consumed
// event to connected gRPC clients.
package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/vmtrace/hvbpf/pkg/event"
	"github.com/vmtrace/hvbpf/pkg/runtime"
	"github.com/vmtrace/hvbpf/pkg/tracepoint"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// getenvDefault returns the value of environment variable k, or v if unset.
func getenvDefault(k, v string) string {
	if val := os.Getenv(k); val != "" {
		return val
	}
	return v
}

// demoProgram is the built-in program attached to every registered
// tracepoint at boot: a single exit instruction returning 0, standing in
// for whatever an embedding hypervisor actually loads.
var demoProgram = []byte{0x95, 0, 0, 0, 0, 0, 0, 0}

func main() {
	rt := runtime.Boot(nil)

	progID, err := rt.Programs.Load(demoProgram, "hvbpfd-demo")
	if err != nil {
		log.Fatalf("load demo program: %v", err)
	}
	for _, name := range tracepoint.BuiltinVMLifecycle {
		if err := rt.Attachments.Attach(name, uint32(progID), "hvbpfd-demo"); err != nil {
			log.Printf("attach %s: %v", name, err)
		}
	}

	addr := getenvDefault("HVBPFD_LISTEN_ADDR", "127.0.0.1:50151")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	s := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	serv := &server{rt: rt, clients: make(map[chan *EventBatch]struct{})}
	RegisterTracerServer(s, serv)
	reflection.Register(s)
	log.Printf("hvbpfd listening on %s", addr)

	stop := make(chan struct{})
	go serv.broadcastEvents(stop)
	go func() {
		if err := s.Serve(lis); err != nil {
			if err == grpc.ErrServerStopped {
				log.Println("gRPC server stopped")
			} else {
				log.Fatalf("serve: %v", err)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)
	<-sig
	close(stop)
	s.GracefulStop()
}

// server implements TracerServer: it owns the runtime's event pipeline
// and fans consumed records out to every subscribed client.
type server struct {
	UnimplementedTracerServer
	rt *runtime.Runtime

	mu      sync.Mutex
	clients map[chan *EventBatch]struct{}
}

// StreamEvents registers a per-client buffered channel and forwards every
// batch broadcastEvents sends it until the client disconnects.
func (s *server) StreamEvents(req *Empty, stream Tracer_StreamEventsServer) error {
	clientChan := make(chan *EventBatch, 100)
	s.mu.Lock()
	s.clients[clientChan] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientChan)
		s.mu.Unlock()
		close(clientChan)
	}()
	for {
		select {
		case batch := <-clientChan:
			if err := stream.Send(batch); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// broadcastEvents polls the event pipeline and fans consumed records out
// to every connected client, skipping clients whose channel is full
// rather than blocking the whole loop on one slow reader.
func (s *server) broadcastEvents(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			recs := s.rt.Events.Consume(0)
			if len(recs) == 0 {
				continue
			}
			batch := &EventBatch{Events: make([]*Event, 0, len(recs))}
			for _, rec := range recs {
				batch.Events = append(batch.Events, toWireEvent(s.rt, rec))
			}
			s.mu.Lock()
			for ch := range s.clients {
				select {
				case ch <- batch:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

// toWireEvent resolves a record's name-table offset and probe kind into
// the client-facing Event shape.
func toWireEvent(rt *runtime.Runtime, rec event.TraceEvent) *Event {
	name, _ := rt.Events.Names().Get(rec.NameOffset)
	return &Event{
		TimestampNs: rec.TimestampNs,
		ProbeKind:   rec.ProbeKind.String(),
		CPUID:       uint32(rec.CPUID),
		VMID:        uint32(rec.VMID),
		EventID:     rec.EventID,
		Name:        name,
		Args:        rec.Args,
		NrArgs:      uint32(rec.NrArgs),
		DurationNs:  rec.DurationNs,
	}
}
