package rpcurl

import (
	"context"
	"testing"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rpcurl/rpcurl/internal/testserver"
)

type recordingHandler struct {
	resolved  *desc.MethodDescriptor
	sent      metadata.MD
	received  metadata.MD
	responses []*dynamic.Message
	trailers  metadata.MD
	stat      *status.Status
}

func (h *recordingHandler) OnResolveMethod(mtd *desc.MethodDescriptor) { h.resolved = mtd }
func (h *recordingHandler) OnSendHeaders(md metadata.MD)               { h.sent = md }
func (h *recordingHandler) OnReceiveHeaders(md metadata.MD)            { h.received = md }
func (h *recordingHandler) OnReceiveResponse(msg *dynamic.Message)     { h.responses = append(h.responses, msg) }
func (h *recordingHandler) OnReceiveTrailers(stat *status.Status, md metadata.MD) {
	h.stat = stat
	h.trailers = md
}

func newInvokeHarness(t *testing.T) (*testserver.Harness, DescriptorSource, func()) {
	t.Helper()
	harness, err := testserver.Start()
	if err != nil {
		t.Fatalf("testserver.Start() error = %v", err)
	}
	fd, err := testserver.FileDescriptor()
	if err != nil {
		harness.Stop()
		t.Fatalf("testserver.FileDescriptor() error = %v", err)
	}
	source, err := DescriptorSourceFromFileDescriptors(fd)
	if err != nil {
		harness.Stop()
		t.Fatalf("DescriptorSourceFromFileDescriptors() error = %v", err)
	}
	return harness, source, harness.Stop
}

func TestInvokeUnary(t *testing.T) {
	harness, source, stop := newInvokeHarness(t)
	defer stop()

	ctx := context.Background()
	cc, err := harness.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cc.Close()

	handler := &recordingHandler{}
	cfg := InvokeConfig{Format: FormatJSON, Data: `{"message": "hi"}`}
	result, err := Invoke(ctx, source, cc, "rpcurl.testing.echo.EchoService/Echo", cfg, handler)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.Status.Code() != codes.OK {
		t.Fatalf("Invoke() status = %v, want OK", result.Status)
	}
	if result.ResponseCount != 1 {
		t.Errorf("ResponseCount = %d, want 1", result.ResponseCount)
	}
	if len(handler.responses) != 1 {
		t.Fatalf("handler received %d responses, want 1", len(handler.responses))
	}
	if got := handler.responses[0].GetFieldByName("message"); got != "hi" {
		t.Errorf("response message = %v, want hi", got)
	}
	if handler.resolved == nil || handler.resolved.GetName() != "Echo" {
		t.Errorf("OnResolveMethod got %v, want Echo", handler.resolved)
	}
}

func TestInvokeUnaryDefaultRequest(t *testing.T) {
	harness, source, stop := newInvokeHarness(t)
	defer stop()

	ctx := context.Background()
	cc, err := harness.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cc.Close()

	cfg := InvokeConfig{Format: FormatJSON, Data: ""}
	result, err := Invoke(ctx, source, cc, "rpcurl.testing.echo.EchoService/Echo", cfg, nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.Status.Code() != codes.OK {
		t.Fatalf("Invoke() status = %v, want OK", result.Status)
	}
}

func TestInvokeServerStream(t *testing.T) {
	harness, source, stop := newInvokeHarness(t)
	defer stop()

	ctx := context.Background()
	cc, err := harness.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cc.Close()

	handler := &recordingHandler{}
	cfg := InvokeConfig{Format: FormatJSON, Data: `{"message": "hi", "count": 3}`}
	result, err := Invoke(ctx, source, cc, "rpcurl.testing.echo.EchoService/EchoServerStream", cfg, handler)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.Status.Code() != codes.OK {
		t.Fatalf("Invoke() status = %v, want OK", result.Status)
	}
	if result.ResponseCount != 3 {
		t.Errorf("ResponseCount = %d, want 3", result.ResponseCount)
	}
	if len(handler.responses) != 3 {
		t.Fatalf("handler received %d responses, want 3", len(handler.responses))
	}
}

func TestInvokeClientStream(t *testing.T) {
	harness, source, stop := newInvokeHarness(t)
	defer stop()

	ctx := context.Background()
	cc, err := harness.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cc.Close()

	handler := &recordingHandler{}
	cfg := InvokeConfig{Format: FormatJSON, Data: `{"message":"a"} {"message":"b"} {"message":"c"}`}
	result, err := Invoke(ctx, source, cc, "rpcurl.testing.echo.EchoService/EchoClientStream", cfg, handler)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.Status.Code() != codes.OK {
		t.Fatalf("Invoke() status = %v, want OK", result.Status)
	}
	if result.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3", result.RequestCount)
	}
	if result.ResponseCount != 1 {
		t.Errorf("ResponseCount = %d, want 1", result.ResponseCount)
	}
}

func TestInvokeBidiStream(t *testing.T) {
	harness, source, stop := newInvokeHarness(t)
	defer stop()

	ctx := context.Background()
	cc, err := harness.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cc.Close()

	handler := &recordingHandler{}
	cfg := InvokeConfig{Format: FormatJSON, Data: `{"message":"a"} {"message":"b"}`}
	result, err := Invoke(ctx, source, cc, "rpcurl.testing.echo.EchoService/EchoBidiStream", cfg, handler)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.Status.Code() != codes.OK {
		t.Fatalf("Invoke() status = %v, want OK", result.Status)
	}
	if result.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", result.RequestCount)
	}
	if result.ResponseCount != 2 {
		t.Errorf("ResponseCount = %d, want 2", result.ResponseCount)
	}
}

func TestInvokeUnknownMethod(t *testing.T) {
	harness, source, stop := newInvokeHarness(t)
	defer stop()

	ctx := context.Background()
	cc, err := harness.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cc.Close()

	cfg := InvokeConfig{Format: FormatJSON}
	if _, err := Invoke(ctx, source, cc, "rpcurl.testing.echo.EchoService/NoSuchMethod", cfg, nil); err == nil {
		t.Error("expected an error for an unknown method")
	}
}

func TestInvokeTooManyUnaryRequests(t *testing.T) {
	harness, source, stop := newInvokeHarness(t)
	defer stop()

	ctx := context.Background()
	cc, err := harness.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cc.Close()

	cfg := InvokeConfig{Format: FormatJSON, Data: `{"message":"a"} {"message":"b"}`}
	if _, err := Invoke(ctx, source, cc, "rpcurl.testing.echo.EchoService/Echo", cfg, nil); err == nil {
		t.Error("expected an error when a unary method receives more than one request message")
	}
}
