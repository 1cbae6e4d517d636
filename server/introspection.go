package server

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.gazette.dev/dds/participant"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/session"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionStatus is the introspected status of a single session.
type SessionStatus struct {
	Role        string        `json:"role"`
	State       string        `json:"state"`
	Writer      pb.EndpointID `json:"writer"`
	Reader      pb.EndpointID `json:"reader"`
	Topic       pb.Topic      `json:"topic"`
	Compression string        `json:"compression"`
	Remote      string        `json:"remote,omitempty"`

	FramesSent     uint64 `json:"framesSent"`
	FramesReceived uint64 `json:"framesReceived"`
	BytesSent      uint64 `json:"bytesSent"`
	BytesReceived  uint64 `json:"bytesReceived"`
	Retransmits    uint64 `json:"retransmits"`
	Duplicates     uint64 `json:"duplicates"`
	Lost           uint64 `json:"lost"`
	Pending        int    `json:"pending"`
	Sequence       uint64 `json:"sequence"`
	Acked          uint64 `json:"acked"`
	Held           uint64 `json:"held,omitempty"`
	Err            string `json:"err,omitempty"`
}

// NewSessionStatus maps session.Stats into its SessionStatus.
func NewSessionStatus(st session.Stats) SessionStatus {
	var out = SessionStatus{
		Role:           st.Role.String(),
		State:          st.State.String(),
		Writer:         st.Writer,
		Reader:         st.Reader,
		Topic:          st.Topic,
		Compression:    st.Compression.String(),
		Remote:         st.Remote,
		FramesSent:     st.FramesSent,
		FramesReceived: st.FramesReceived,
		BytesSent:      st.BytesSent,
		BytesReceived:  st.BytesReceived,
		Retransmits:    st.Retransmits,
		Duplicates:     st.Duplicates,
		Lost:           st.Lost,
		Pending:        st.Pending,
		Sequence:       uint64(st.Sequence),
		Acked:          uint64(st.Acked),
		Held:           uint64(st.Held),
	}
	if st.Err != nil {
		out.Err = st.Err.Error()
	}
	return out
}

// IntrospectionServer is the server API of the dds.Introspection service.
type IntrospectionServer interface {
	// ListSessions returns {"sessions": [SessionStatus...]}.
	ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListEndpoints returns {"endpoints": [EndpointSpec...]}.
	ListEndpoints(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Introspection implements IntrospectionServer over a Participant.
type Introspection struct {
	Participant *participant.Participant
}

// ListSessions of the Participant.
func (i Introspection) ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	var stats = i.Participant.Sessions()
	var out = make([]SessionStatus, 0, len(stats))
	for _, st := range stats {
		out = append(out, NewSessionStatus(st))
	}
	return toStruct(map[string]interface{}{"sessions": out})
}

// ListEndpoints of the Participant.
func (i Introspection) ListEndpoints(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{"endpoints": i.Participant.Endpoints()})
}

// RegisterIntrospectionServer registers |srv| with the grpc.Server.
func RegisterIntrospectionServer(s *grpc.Server, srv IntrospectionServer) {
	s.RegisterService(&introspectionServiceDesc, srv)
}

// IntrospectionClient is the client API of the dds.Introspection service.
type IntrospectionClient struct {
	cc grpc.ClientConnInterface
}

// NewIntrospectionClient returns an IntrospectionClient of the connection.
func NewIntrospectionClient(cc grpc.ClientConnInterface) IntrospectionClient {
	return IntrospectionClient{cc: cc}
}

// ListSessions of the remote Participant.
func (c IntrospectionClient) ListSessions(ctx context.Context, opts ...grpc.CallOption) ([]SessionStatus, error) {
	var out struct {
		Sessions []SessionStatus `json:"sessions"`
	}
	if err := c.invoke(ctx, "ListSessions", &out, opts...); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// ListEndpoints of the remote Participant.
func (c IntrospectionClient) ListEndpoints(ctx context.Context, opts ...grpc.CallOption) ([]pb.EndpointSpec, error) {
	var out struct {
		Endpoints []pb.EndpointSpec `json:"endpoints"`
	}
	if err := c.invoke(ctx, "ListEndpoints", &out, opts...); err != nil {
		return nil, err
	}
	for i, spec := range out.Endpoints {
		if err := spec.Validate(); err != nil {
			return nil, pb.ExtendContext(err, "Endpoints[%d]", i)
		}
	}
	return out.Endpoints, nil
}

func (c IntrospectionClient) invoke(ctx context.Context, method string, out interface{}, opts ...grpc.CallOption) error {
	var resp = new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/dds.Introspection/"+method, new(emptypb.Empty), resp, opts...); err != nil {
		return err
	}
	if b, err := json.Marshal(resp.AsMap()); err != nil {
		return errors.WithMessage(err, "encoding response")
	} else if err = json.Unmarshal(b, out); err != nil {
		return errors.WithMessage(err, "decoding response")
	}
	return nil
}

// toStruct maps |v| through its JSON encoding into a structpb.Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	var m map[string]interface{}

	if b, err := json.Marshal(v); err != nil {
		return nil, err
	} else if err = json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func introspectionHandler(call func(IntrospectionServer, context.Context, *emptypb.Empty) (*structpb.Struct, error), method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		var in = new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IntrospectionServer), ctx, in)
		}
		var info = &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/dds.Introspection/" + method,
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(IntrospectionServer), ctx, req.(*emptypb.Empty))
		})
	}
}

var introspectionServiceDesc = grpc.ServiceDesc{
	ServiceName: "dds.Introspection",
	HandlerType: (*IntrospectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListSessions",
			Handler:    introspectionHandler(IntrospectionServer.ListSessions, "ListSessions"),
		},
		{
			MethodName: "ListEndpoints",
			Handler:    introspectionHandler(IntrospectionServer.ListEndpoints, "ListEndpoints"),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dds/introspection",
}
