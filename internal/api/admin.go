package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/bus"
	"github.com/Shasikumar10/Chat-App/internal/presence"
	"github.com/Shasikumar10/Chat-App/internal/status"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminServer is the chatd.v1.Admin service. Its messages are well-known
// protobuf types so no generated code is needed.
type AdminServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

const (
	adminServiceName  = "chatd.v1.Admin"
	statsMethod       = "/" + adminServiceName + "/Stats"
	watchEventsMethod = "/" + adminServiceName + "/WatchEvents"
)

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "chatd/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServer).WatchEvents(in, stream)
}

// AdminService reports daemon state and streams bus events.
type AdminService struct {
	instance  string
	startedAt time.Time
	machine   *status.Machine
	registry  *presence.Registry
	db        *store.DB
	bus       *bus.Bus
}

func NewAdminService(instance string, machine *status.Machine, registry *presence.Registry, db *store.DB, b *bus.Bus) *AdminService {
	return &AdminService{
		instance:  instance,
		startedAt: time.Now(),
		machine:   machine,
		registry:  registry,
		db:        db,
		bus:       b,
	}
}

var _ AdminServer = (*AdminService)(nil)

func (s *AdminService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	fields := map[string]any{
		"instance":  s.instance,
		"state":     string(s.machine.Current()),
		"since":     s.machine.Since().Format(time.RFC3339),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if s.registry != nil {
		st := s.registry.Stats()
		fields["connections"] = st.Connections
		fields["online_users"] = st.OnlineUsers
		fields["rooms"] = st.Rooms
	}
	if s.db != nil {
		counts, err := s.db.Counts(ctx)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "counts: %v", err)
		}
		fields["conversations"] = counts.Conversations
		fields["messages"] = counts.Messages
		fields["push_queued"] = counts.PushQueued
	}
	if s.bus != nil {
		fields["bus_subscribers"] = s.bus.Subscribers()
		fields["bus_dropped"] = s.bus.Dropped()
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

// WatchEvents streams bus events whose kind starts with the request's
// "prefix" field. An empty prefix streams everything.
func (s *AdminService) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	prefix := req.GetFields()["prefix"].GetStringValue()
	ch, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := eventToStruct(evt)
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// eventToStruct flattens an event payload through JSON so any payload type
// becomes a protobuf Struct.
func eventToStruct(evt bus.Event) (*structpb.Struct, error) {
	var payload any
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(map[string]any{
		"event_id":    uuid.NewString(),
		"kind":        evt.Kind,
		"occurred_at": evt.Timestamp.Format(time.RFC3339Nano),
		"payload":     payload,
	})
}

// AdminClient is the client side of chatd.v1.Admin.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) Stats(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

func (e *EventStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := e.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchEvents opens an event stream filtered by kind prefix.
func (c *AdminClient) WatchEvents(ctx context.Context, prefix string) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &adminServiceDesc.Streams[0], watchEventsMethod)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// SyncHealth keeps the gRPC health service in step with the lifecycle state
// until the returned stop function is called.
func SyncHealth(machine *status.Machine, b *bus.Bus, hs *health.Server) (stop func()) {
	set := func(st status.State) {
		serving := healthpb.HealthCheckResponse_NOT_SERVING
		if st == status.Serving {
			serving = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", serving)
		hs.SetServingStatus(adminServiceName, serving)
	}
	ch, unsub := b.Subscribe(bus.KindStatusChanged, 16)
	done := make(chan struct{})
	set(machine.Current())
	go func() {
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					set(change.To)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsub()
		close(done)
	}
}
