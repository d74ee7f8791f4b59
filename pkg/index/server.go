package index

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"muster/pkg/registry"
)

const (
	ServiceName = "muster.index.v1.Index"

	publishMethod = "/" + ServiceName + "/Publish"
	searchMethod  = "/" + ServiceName + "/Search"
	nodesMethod   = "/" + ServiceName + "/Nodes"
)

// IndexServer is the server API for the index service.
type IndexServer interface {
	Publish(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Search(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Nodes(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// RegisterIndexServer registers srv on s.
func RegisterIndexServer(s grpc.ServiceRegistrar, srv IndexServer) {
	s.RegisterService(&indexServiceDesc, srv)
}

// Server serves an Index over gRPC
type Server struct {
	index  *Index
	logger *zap.Logger
}

// NewServer wraps ix for gRPC.
func NewServer(ix *Index, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{index: ix, logger: logger}
}

func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	doc, err := DocumentFromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid document: %v", err)
	}
	if err := s.index.Publish(ctx, doc); err != nil {
		if errors.Is(err, ErrUnnamedDocument) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "publish failed: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Search(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	path := req.GetValue()
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "search path is required")
	}

	docs, err := s.index.Search(ctx, registry.HasAttribute(path))
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}

	list, err := documentsToList(docs)
	if err != nil {
		s.logger.Error("Failed to encode search results", zap.String("path", path), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "encode results: %v", err)
	}
	return list, nil
}

func (s *Server) Nodes(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	list, err := summariesToList(s.index.Nodes())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode nodes: %v", err)
	}
	return list, nil
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func searchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).Search(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: searchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexServer).Search(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func nodesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).Nodes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: nodesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexServer).Nodes(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var indexServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IndexServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "Search", Handler: searchHandler},
		{MethodName: "Nodes", Handler: nodesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "muster/index.proto",
}
