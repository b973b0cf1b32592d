package rpcurl

import (
	"testing"

	"github.com/rpcurl/rpcurl/internal/testserver"
	"google.golang.org/protobuf/types/descriptorpb"
)

func TestPoolAddFileAndFindSymbol(t *testing.T) {
	fd, err := testserver.FileDescriptor()
	if err != nil {
		t.Fatalf("testserver.FileDescriptor() error = %v", err)
	}

	p := NewPool()
	p.AddFile(fd)

	if _, ok := p.GetFileByName(fd.GetName()); !ok {
		t.Errorf("GetFileByName(%q) not found after AddFile", fd.GetName())
	}

	svc, err := p.FindSymbol("rpcurl.testing.echo.EchoService")
	if err != nil {
		t.Fatalf("FindSymbol(service) error = %v", err)
	}
	if svc.GetFullyQualifiedName() != "rpcurl.testing.echo.EchoService" {
		t.Errorf("FindSymbol(service) = %v, want EchoService", svc)
	}

	method, err := p.FindSymbol("rpcurl.testing.echo.EchoService.Echo")
	if err != nil {
		t.Fatalf("FindSymbol(method) error = %v", err)
	}
	if method.GetName() != "Echo" {
		t.Errorf("FindSymbol(method) = %v, want Echo", method)
	}

	field, err := p.FindSymbol("rpcurl.testing.echo.EchoRequest.message")
	if err != nil {
		t.Fatalf("FindSymbol(field) error = %v", err)
	}
	if field.GetName() != "message" {
		t.Errorf("FindSymbol(field) = %v, want message", field)
	}
}

func TestPoolFindSymbolNotFound(t *testing.T) {
	p := NewPool()
	if _, err := p.FindSymbol("does.not.Exist"); err == nil {
		t.Error("expected an error for an unresolvable symbol")
	}
}

func TestPoolAddFileDescriptorSet(t *testing.T) {
	fd, err := testserver.FileDescriptor()
	if err != nil {
		t.Fatalf("testserver.FileDescriptor() error = %v", err)
	}

	var protos []*descriptorpb.FileDescriptorProto
	seen := map[string]bool{}

	for _, dep := range fd.GetDependencies() {
		if !seen[dep.GetName()] {
			seen[dep.GetName()] = true
			protos = append(protos, dep.AsFileDescriptorProto())
		}
	}
	protos = append(protos, fd.AsFileDescriptorProto())
	set := &descriptorpb.FileDescriptorSet{File: protos}

	p := NewPool()
	skipped, err := p.AddFileDescriptorSet(set)
	if err != nil {
		t.Fatalf("AddFileDescriptorSet() error = %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v, want none", skipped)
	}
	if _, err := p.FindSymbol("rpcurl.testing.echo.EchoService"); err != nil {
		t.Errorf("FindSymbol() after AddFileDescriptorSet error = %v", err)
	}
}
