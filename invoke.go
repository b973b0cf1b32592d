package rpcurl

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// InvokeConfig controls how a single RPC is prepared, sent, and rendered.
type InvokeConfig struct {
	Format             Format
	EmitDefaults       bool
	AllowUnknownFields bool
	FormatError        bool

	// Data is the raw request payload: "@" to read from stdin, "" for no
	// request data (a default message is sent for unary/server-streaming
	// methods), or the literal payload text otherwise.
	Data string

	// Headers are applied to the RPC. RPCHeaders are appended to Headers
	// specifically for the RPC call (as opposed to reflection lookups,
	// which only see Headers).
	Headers       []string
	RPCHeaders    []string
	ExpandHeaders bool

	MaxMsgSz int
	Verbosity int

	ProtosetOut string
	ProtoOutDir string
}

// InvokeResult is the outcome of one RPC invocation: the final status
// (OK on success), and how many request/response messages were exchanged.
type InvokeResult struct {
	Status        *status.Status
	RequestCount  int
	ResponseCount int
}

// InvocationEventHandler receives callbacks as an invocation proceeds, in
// the order listed below, so a caller (typically the command façade) can
// drive verbose output without the invocation engine knowing about
// presentation.
type InvocationEventHandler interface {
	OnResolveMethod(*desc.MethodDescriptor)
	OnSendHeaders(metadata.MD)
	OnReceiveHeaders(metadata.MD)
	OnReceiveResponse(*dynamic.Message)
	OnReceiveTrailers(*status.Status, metadata.MD)
}

// noopEventHandler implements InvocationEventHandler with no-ops, so callers
// that don't need verbose output don't have to implement every method.
type noopEventHandler struct{}

func (noopEventHandler) OnResolveMethod(*desc.MethodDescriptor)          {}
func (noopEventHandler) OnSendHeaders(metadata.MD)                      {}
func (noopEventHandler) OnReceiveHeaders(metadata.MD)                   {}
func (noopEventHandler) OnReceiveResponse(*dynamic.Message)             {}
func (noopEventHandler) OnReceiveTrailers(*status.Status, metadata.MD)  {}

// parseMethodPath splits a method name given as either "pkg.Service/Method"
// or "pkg.Service.Method" into (service, method). The "/" separator is
// preferred when both are present, since a fully-qualified service name can
// itself contain dots.
func parseMethodPath(path string) (service, method string, err error) {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[:idx], path[idx+1:], nil
	}
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		return path[:idx], path[idx+1:], nil
	}
	return "", "", InvalidArgument("method name %q must be in 'service/method' or 'service.method' form", path)
}

// resolveMethod looks up the method full name against source per the
// resolution rule: split at the last separator, then find the service and
// match a method by simple name.
func resolveMethod(source DescriptorSource, fullName string) (*desc.MethodDescriptor, error) {
	svcName, methodName, err := parseMethodPath(fullName)
	if err != nil {
		return nil, err
	}
	dsc, err := source.FindSymbol(svcName)
	if err != nil {
		return nil, err
	}
	sd, ok := dsc.(*desc.ServiceDescriptor)
	if !ok {
		return nil, InvalidArgument("%q is not a service", svcName)
	}
	mtd := sd.FindMethodByName(methodName)
	if mtd == nil {
		return nil, NotFound("Method", fullName)
	}
	return mtd, nil
}

// Invoke resolves methodName against source, prepares a request parser from
// cfg, and dispatches the RPC over ch according to the method's streaming
// shape. Server-originated failures are captured in the returned
// InvokeResult rather than as an error: Invoke's error return is reserved
// for failures that happen before or outside the actual RPC (bad method
// name, malformed request data, a transport error with no status attached).
func Invoke(ctx context.Context, source DescriptorSource, ch grpcdynamic.Channel, methodName string, cfg InvokeConfig, handler InvocationEventHandler) (*InvokeResult, error) {
	if handler == nil {
		handler = noopEventHandler{}
	}

	mtd, err := resolveMethod(source, methodName)
	if err != nil {
		return nil, err
	}
	handler.OnResolveMethod(mtd)

	if err := exportDescriptors(source, cfg, mtd); err != nil {
		return nil, err
	}

	headers := append(append([]string{}, cfg.Headers...), cfg.RPCHeaders...)
	if cfg.ExpandHeaders {
		headers, err = ExpandHeaders(headers)
		if err != nil {
			return nil, err
		}
	}
	md := MetadataFromHeaders(headers)
	handler.OnSendHeaders(md)
	ctx = metadata.NewOutgoingContext(ctx, md)

	parser, err := NewRequestParser(cfg.Format, cfg.Data, FormatOptions{AllowUnknownFields: cfg.AllowUnknownFields})
	if err != nil {
		return nil, err
	}

	stub := grpcdynamic.NewStub(ch)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch {
	case mtd.IsClientStreaming() && mtd.IsServerStreaming():
		return invokeBidi(ctx, stub, mtd, parser, handler)
	case mtd.IsClientStreaming():
		return invokeClientStream(ctx, stub, mtd, parser, handler)
	case mtd.IsServerStreaming():
		return invokeServerStream(ctx, stub, mtd, parser, handler)
	default:
		return invokeUnary(ctx, stub, mtd, parser, handler)
	}
}

func exportDescriptors(source DescriptorSource, cfg InvokeConfig, mtd *desc.MethodDescriptor) error {
	if cfg.ProtosetOut == "" && cfg.ProtoOutDir == "" {
		return nil
	}
	symbol := mtd.GetService().GetFullyQualifiedName()
	if cfg.ProtosetOut != "" {
		f, err := os.Create(cfg.ProtosetOut)
		if err != nil {
			return IOError(err, "failed to create protoset-out file %q", cfg.ProtosetOut)
		}
		defer f.Close()
		if err := WriteProtoset(f, source, symbol); err != nil {
			return err
		}
	}
	if cfg.ProtoOutDir != "" {
		if err := WriteProtoFiles(cfg.ProtoOutDir, source, symbol); err != nil {
			return err
		}
	}
	return nil
}

func invokeUnary(ctx context.Context, stub grpcdynamic.Stub, mtd *desc.MethodDescriptor, parser RequestParser, handler InvocationEventHandler) (*InvokeResult, error) {
	req, err := nextOrDefault(parser, mtd.GetInputType())
	if err != nil {
		return nil, err
	}
	if err := ensureNoMoreRequests(parser, mtd); err != nil {
		return nil, err
	}

	var respHeaders, respTrailers metadata.MD
	resp, err := stub.InvokeRpc(ctx, mtd, req, grpc.Header(&respHeaders), grpc.Trailer(&respTrailers))

	stat, ok := status.FromError(err)
	if !ok {
		return nil, newError(KindOther, err, "grpc call for %q failed", mtd.GetFullyQualifiedName())
	}
	handler.OnReceiveHeaders(respHeaders)

	responseCount := 0
	if stat.Code() == codes.OK {
		dm, err := asDynamic(resp)
		if err != nil {
			return nil, err
		}
		handler.OnReceiveResponse(dm)
		responseCount = 1
	}
	handler.OnReceiveTrailers(stat, respTrailers)

	return &InvokeResult{Status: stat, RequestCount: max(parser.NumRequests(), 1), ResponseCount: responseCount}, nil
}

func invokeServerStream(ctx context.Context, stub grpcdynamic.Stub, mtd *desc.MethodDescriptor, parser RequestParser, handler InvocationEventHandler) (*InvokeResult, error) {
	req, err := nextOrDefault(parser, mtd.GetInputType())
	if err != nil {
		return nil, err
	}
	if err := ensureNoMoreRequests(parser, mtd); err != nil {
		return nil, err
	}

	str, err := stub.InvokeRpcServerStream(ctx, mtd, req)
	if err != nil {
		stat, ok := status.FromError(err)
		if !ok {
			return nil, newError(KindOther, err, "grpc call for %q failed", mtd.GetFullyQualifiedName())
		}
		handler.OnReceiveTrailers(stat, nil)
		return &InvokeResult{Status: stat, RequestCount: max(parser.NumRequests(), 1)}, nil
	}
	if respHeaders, err := str.Header(); err == nil {
		handler.OnReceiveHeaders(respHeaders)
	}

	responseCount := 0
	var terminalErr error
	for {
		resp, err := str.RecvMsg()
		if err != nil {
			if err != io.EOF {
				terminalErr = err
			}
			break
		}
		dm, cerr := asDynamic(resp)
		if cerr != nil {
			return nil, cerr
		}
		handler.OnReceiveResponse(dm)
		responseCount++
	}

	stat, ok := status.FromError(terminalErr)
	if !ok {
		return nil, newError(KindOther, terminalErr, "grpc call for %q failed", mtd.GetFullyQualifiedName())
	}
	handler.OnReceiveTrailers(stat, str.Trailer())

	return &InvokeResult{Status: stat, RequestCount: max(parser.NumRequests(), 1), ResponseCount: responseCount}, nil
}

func invokeClientStream(ctx context.Context, stub grpcdynamic.Stub, mtd *desc.MethodDescriptor, parser RequestParser, handler InvocationEventHandler) (*InvokeResult, error) {
	str, err := stub.InvokeRpcClientStream(ctx, mtd)
	if err != nil {
		stat, ok := status.FromError(err)
		if !ok {
			return nil, newError(KindOther, err, "grpc call for %q failed", mtd.GetFullyQualifiedName())
		}
		handler.OnReceiveTrailers(stat, nil)
		return &InvokeResult{Status: stat}, nil
	}

	var respMsg interface{}
	var sendErr error
	requestCount := 0
	for {
		req, perr := parser.Next(mtd.GetInputType())
		if perr == io.EOF {
			respMsg, sendErr = str.CloseAndReceive()
			break
		}
		if perr != nil {
			return nil, perr
		}
		requestCount++
		if sendErr = str.SendMsg(req); sendErr == io.EOF {
			respMsg, sendErr = str.CloseAndReceive()
			break
		}
		if sendErr != nil {
			break
		}
	}

	stat, ok := status.FromError(sendErr)
	if !ok {
		return nil, newError(KindOther, sendErr, "grpc call for %q failed", mtd.GetFullyQualifiedName())
	}

	if respHeaders, err := str.Header(); err == nil {
		handler.OnReceiveHeaders(respHeaders)
	}

	responseCount := 0
	if stat.Code() == codes.OK && respMsg != nil {
		dm, err := asDynamic(respMsg)
		if err != nil {
			return nil, err
		}
		handler.OnReceiveResponse(dm)
		responseCount = 1
	}
	handler.OnReceiveTrailers(stat, str.Trailer())

	return &InvokeResult{Status: stat, RequestCount: requestCount, ResponseCount: responseCount}, nil
}

func invokeBidi(ctx context.Context, stub grpcdynamic.Stub, mtd *desc.MethodDescriptor, parser RequestParser, handler InvocationEventHandler) (*InvokeResult, error) {
	str, err := stub.InvokeRpcBidiStream(ctx, mtd)
	if err != nil {
		stat, ok := status.FromError(err)
		if !ok {
			return nil, newError(KindOther, err, "grpc call for %q failed", mtd.GetFullyQualifiedName())
		}
		handler.OnReceiveTrailers(stat, nil)
		return &InvokeResult{Status: stat}, nil
	}

	var wg sync.WaitGroup
	var sendErr atomic.Value
	requestCount := int32(0)

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		for err == nil {
			req, perr := parser.Next(mtd.GetInputType())
			if perr == io.EOF {
				err = str.CloseSend()
				break
			}
			if perr != nil {
				err = perr
				break
			}
			atomic.AddInt32(&requestCount, 1)
			err = str.SendMsg(req)
		}
		if err != nil {
			sendErr.Store(err)
		}
	}()
	defer wg.Wait()

	if respHeaders, err := str.Header(); err == nil {
		handler.OnReceiveHeaders(respHeaders)
	}

	responseCount := 0
	var recvErr error
	for {
		resp, err := str.RecvMsg()
		if err == io.EOF {
			break
		}
		if err != nil {
			recvErr = err
			break
		}
		dm, cerr := asDynamic(resp)
		if cerr != nil {
			return nil, cerr
		}
		handler.OnReceiveResponse(dm)
		responseCount++
	}

	wg.Wait()
	if se, ok := sendErr.Load().(error); ok && se != io.EOF && recvErr == nil {
		recvErr = se
	}

	stat, ok := status.FromError(recvErr)
	if !ok {
		return nil, newError(KindOther, recvErr, "grpc call for %q failed", mtd.GetFullyQualifiedName())
	}
	handler.OnReceiveTrailers(stat, str.Trailer())

	return &InvokeResult{Status: stat, RequestCount: int(atomic.LoadInt32(&requestCount)), ResponseCount: responseCount}, nil
}

func nextOrDefault(parser RequestParser, md *desc.MessageDescriptor) (*dynamic.Message, error) {
	req, err := parser.Next(md)
	if err == io.EOF {
		return dynamic.NewMessage(md), nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func ensureNoMoreRequests(parser RequestParser, mtd *desc.MethodDescriptor) error {
	_, err := parser.Next(mtd.GetInputType())
	if err == nil {
		return InvalidArgument("method %q is a unary or server-streaming RPC, but request data contained more than 1 message", mtd.GetFullyQualifiedName())
	}
	if err != io.EOF {
		return err
	}
	return nil
}

func asDynamic(msg interface{}) (*dynamic.Message, error) {
	dm, ok := msg.(*dynamic.Message)
	if !ok {
		return nil, ProtoEncodingError(nil, "response is not a dynamic message")
	}
	return dm, nil
}
