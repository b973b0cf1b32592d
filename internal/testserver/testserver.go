// Package testserver runs an in-process gRPC server, backed entirely by
// dynamic messages compiled from an embedded .proto source, that the rest
// of the module's tests dial over a bufconn.Listener to exercise reflection
// and dynamic invocation end to end without depending on generated code.
package testserver

import (
	"context"
	"fmt"
	"io"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const protoSource = `
syntax = "proto3";

package rpcurl.testing.echo;

message EchoRequest {
  string message = 1;
  int32 count = 2;
}

message EchoResponse {
  string message = 1;
  int32 sequence = 2;
}

service EchoService {
  rpc Echo(EchoRequest) returns (EchoResponse);
  rpc EchoServerStream(EchoRequest) returns (stream EchoResponse);
  rpc EchoClientStream(stream EchoRequest) returns (EchoResponse);
  rpc EchoBidiStream(stream EchoRequest) returns (stream EchoResponse);
}
`

// FileDescriptor compiles and returns the embedded echo.proto descriptor.
func FileDescriptor() (*desc.FileDescriptor, error) {
	acc := protoparse.FileContentsFromMap(map[string]string{"echo.proto": protoSource})
	parser := protoparse.Parser{Accessor: acc}
	fds, err := parser.ParseFiles("echo.proto")
	if err != nil {
		return nil, fmt.Errorf("compiling embedded test proto: %w", err)
	}
	return fds[0], nil
}

// Server is the dynamic-message-backed EchoService implementation.
type Server struct {
	fd *desc.FileDescriptor
	sd *desc.ServiceDescriptor
}

// New builds a Server, compiling the embedded proto schema.
func New() (*Server, error) {
	fd, err := FileDescriptor()
	if err != nil {
		return nil, err
	}
	sd := fd.GetServices()[0]
	return &Server{fd: fd, sd: sd}, nil
}

// Register installs the EchoService and the gRPC reflection service (both
// v1 and v1alpha, per grpc-go's reflection.Register) onto srv.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(s.serviceDesc(), s)
	reflection.Register(srv)
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	echoMethod := s.sd.FindMethodByName("Echo")
	return &grpc.ServiceDesc{
		ServiceName: s.sd.GetFullyQualifiedName(),
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Echo",
				Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
					req := dynamic.NewMessage(echoMethod.GetInputType())
					if err := dec(req); err != nil {
						return nil, err
					}
					return srv.(*Server).echo(ctx, req)
				},
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "EchoServerStream",
				ServerStreams: true,
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					return srv.(*Server).echoServerStream(stream)
				},
			},
			{
				StreamName:    "EchoClientStream",
				ClientStreams: true,
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					return srv.(*Server).echoClientStream(stream)
				},
			},
			{
				StreamName:    "EchoBidiStream",
				ClientStreams: true,
				ServerStreams: true,
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					return srv.(*Server).echoBidiStream(stream)
				},
			},
		},
		Metadata: "echo.proto",
	}
}

func (s *Server) echo(_ context.Context, req *dynamic.Message) (*dynamic.Message, error) {
	resp := dynamic.NewMessage(s.sd.FindMethodByName("Echo").GetOutputType())
	resp.SetFieldByName("message", req.GetFieldByName("message"))
	resp.SetFieldByName("sequence", int32(1))
	return resp, nil
}

func (s *Server) echoServerStream(stream grpc.ServerStream) error {
	mtd := s.sd.FindMethodByName("EchoServerStream")
	req := dynamic.NewMessage(mtd.GetInputType())
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	count := req.GetFieldByName("count").(int32)
	if count <= 0 {
		count = 1
	}
	for i := int32(0); i < count; i++ {
		resp := dynamic.NewMessage(mtd.GetOutputType())
		resp.SetFieldByName("message", req.GetFieldByName("message"))
		resp.SetFieldByName("sequence", i+1)
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) echoClientStream(stream grpc.ServerStream) error {
	mtd := s.sd.FindMethodByName("EchoClientStream")
	var last *dynamic.Message
	count := int32(0)
	for {
		req := dynamic.NewMessage(mtd.GetInputType())
		if err := stream.RecvMsg(req); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		last = req
		count++
	}
	resp := dynamic.NewMessage(mtd.GetOutputType())
	if last != nil {
		resp.SetFieldByName("message", last.GetFieldByName("message"))
	}
	resp.SetFieldByName("sequence", count)
	return stream.SendMsg(resp)
}

func (s *Server) echoBidiStream(stream grpc.ServerStream) error {
	mtd := s.sd.FindMethodByName("EchoBidiStream")
	seq := int32(0)
	for {
		req := dynamic.NewMessage(mtd.GetInputType())
		if err := stream.RecvMsg(req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		seq++
		resp := dynamic.NewMessage(mtd.GetOutputType())
		resp.SetFieldByName("message", req.GetFieldByName("message"))
		resp.SetFieldByName("sequence", seq)
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
	}
}

// FailingUnary returns a status error carrying the given code and message.
// It is not registered as a method of EchoService.
func FailingUnary(code codes.Code, msg string) error {
	return status.Error(code, msg)
}
