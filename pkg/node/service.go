package node

import (
	"context"
	"errors"
	"fmt"

	"muster/pkg/component"
	"muster/pkg/discovery"
	"muster/pkg/index"
	"muster/pkg/registry"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "muster.node.v1.Node"

	announceMethod       = "/" + ServiceName + "/Announce"
	discoverAllMethod    = "/" + ServiceName + "/DiscoverAll"
	discoverMethod       = "/" + ServiceName + "/Discover"
	componentsWithMethod = "/" + ServiceName + "/ComponentsWith"
)

// Request fields shared by the node service methods.
const (
	fieldSystem     = "system"
	fieldSubsystem  = "subsystem"
	fieldRealm      = "realm"
	fieldAttributes = "attributes"
)

// NodeServer is the server API for the node service.
type NodeServer interface {
	Announce(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiscoverAll(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	Discover(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ComponentsWith(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
}

// RegisterNodeServer registers srv on s.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

// Server exposes a discovery service over gRPC
type Server struct {
	discovery *discovery.Service
	logger    *zap.Logger
}

func NewServer(d *discovery.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{discovery: d, logger: logger}
}

func (s *Server) Announce(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	system, subsystem, realm := componentRequest(req)
	opts := discovery.AnnounceOptions{Realm: realm}
	if attrs := req.GetFields()[fieldAttributes].GetStructValue(); attrs != nil {
		opts.Attributes = attrs.AsMap()
	}

	id, err := s.discovery.Announce(ctx, system, subsystem, opts)
	if err != nil {
		s.logger.Warn("Announce rejected",
			zap.String("system", system),
			zap.String("subsystem", subsystem),
			zap.Error(err))
		return nil, toStatus(err)
	}
	s.logger.Debug("Announced", zap.String("component", id.FullName()))
	return identityToStruct(id)
}

func (s *Server) DiscoverAll(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	system, subsystem, realm := componentRequest(req)
	ids, err := s.discovery.DiscoverAll(ctx, system, subsystem, realm)
	if err != nil {
		return nil, toStatus(err)
	}
	return identitiesToList(ids)
}

func (s *Server) Discover(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	system, subsystem, realm := componentRequest(req)
	id, err := s.discovery.Discover(ctx, system, subsystem, realm)
	if err != nil {
		return nil, toStatus(err)
	}
	return identityToStruct(id)
}

func (s *Server) ComponentsWith(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	ids, err := s.discovery.ComponentsWith(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return identitiesToList(ids)
}

func componentRequest(req *structpb.Struct) (system, subsystem, realm string) {
	fields := req.GetFields()
	return fields[fieldSystem].GetStringValue(),
		fields[fieldSubsystem].GetStringValue(),
		fields[fieldRealm].GetStringValue()
}

// toStatus maps engine errors onto gRPC codes. The message is kept intact so
// the client can rebuild the original error.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, discovery.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, component.ErrInvalidIdentity):
		code = codes.InvalidArgument
	case errors.Is(err, registry.ErrStoreWrite):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func identityToStruct(id *component.Identity) (*structpb.Struct, error) {
	s, err := index.ToStruct(id.ToDocument())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode identity: %v", err)
	}
	return s, nil
}

func identitiesToList(ids []*component.Identity) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, 0, len(ids))
	for _, id := range ids {
		s, err := identityToStruct(id)
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	return &structpb.ListValue{Values: values}, nil
}

func identityFromStruct(s *structpb.Struct) (*component.Identity, error) {
	if s == nil {
		return nil, fmt.Errorf("empty identity")
	}
	doc := s.AsMap()
	str := func(key string) string {
		v, _ := doc[key].(string)
		return v
	}
	return component.FromDocument(str(component.KeyNode), str(component.KeyRealm),
		str(component.KeySystem), str(component.KeySubsystem), doc)
}

func identitiesFromList(l *structpb.ListValue) ([]*component.Identity, error) {
	out := make([]*component.Identity, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		id, err := identityFromStruct(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("identity %d: %w", i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func announceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: announceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).Announce(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func discoverAllHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).DiscoverAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: discoverAllMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).DiscoverAll(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func discoverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Discover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: discoverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).Discover(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func componentsWithHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).ComponentsWith(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: componentsWithMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).ComponentsWith(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Announce", Handler: announceHandler},
		{MethodName: "DiscoverAll", Handler: discoverAllHandler},
		{MethodName: "Discover", Handler: discoverHandler},
		{MethodName: "ComponentsWith", Handler: componentsWithHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "muster/node.proto",
}
