package rpcurl

import (
	"bytes"
	"strings"
	"testing"
)

func TestListServicesAndMethods(t *testing.T) {
	source := testserverSource(t)

	svcs, err := List(source, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(svcs) != 1 || svcs[0] != "rpcurl.testing.echo.EchoService" {
		t.Errorf("List(\"\") = %v, want [rpcurl.testing.echo.EchoService]", svcs)
	}

	methods, err := List(source, "rpcurl.testing.echo.EchoService")
	if err != nil {
		t.Fatalf("List(service) error = %v", err)
	}
	if len(methods) != 4 {
		t.Errorf("List(service) = %v, want 4 methods", methods)
	}
}

func TestDescribeSymbol(t *testing.T) {
	source := testserverSource(t)

	var buf bytes.Buffer
	if err := Describe(&buf, source, "rpcurl.testing.echo.EchoService", false); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "is a service") {
		t.Errorf("Describe() = %q, want it to identify the service", got)
	}
	if !strings.Contains(got, "service EchoService") {
		t.Errorf("Describe() = %q, want the proto declaration", got)
	}
}

func TestDescribeMessageWithTemplate(t *testing.T) {
	source := testserverSource(t)

	var buf bytes.Buffer
	if err := Describe(&buf, source, "rpcurl.testing.echo.EchoRequest", true); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "is a message") {
		t.Errorf("Describe() = %q, want it to identify the message", got)
	}
	if !strings.Contains(got, "Message template:") {
		t.Errorf("Describe() = %q, want a rendered template", got)
	}
}

func TestDescribeEmptySymbolDescribesEveryService(t *testing.T) {
	source := testserverSource(t)

	var buf bytes.Buffer
	if err := Describe(&buf, source, "", false); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if !strings.Contains(buf.String(), "rpcurl.testing.echo.EchoService") {
		t.Errorf("Describe(\"\") = %q, want it to cover every service", buf.String())
	}
}

func TestDescribeUnknownSymbol(t *testing.T) {
	source := testserverSource(t)
	var buf bytes.Buffer
	if err := Describe(&buf, source, "does.not.Exist", false); err == nil {
		t.Error("expected an error for an unresolvable symbol")
	}
}

func TestDescribeKindMethod(t *testing.T) {
	source := testserverSource(t)
	dsc, err := source.FindSymbol("rpcurl.testing.echo.EchoService.Echo")
	if err != nil {
		t.Fatalf("FindSymbol() error = %v", err)
	}
	if got := describeKind(dsc); got != "a method" {
		t.Errorf("describeKind() = %q, want \"a method\"", got)
	}
}
