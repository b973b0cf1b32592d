package rpcurl

import (
	"strings"
	"testing"

	"github.com/jhump/protoreflect/dynamic"
	"github.com/rpcurl/rpcurl/internal/testserver"
)

func TestJSONFormatter(t *testing.T) {
	descs, err := testserver.FileDescriptor()
	if err != nil {
		t.Fatalf("FileDescriptor() error = %v", err)
	}
	md := descs.GetServices()[0].FindMethodByName("Echo").GetInputType()

	msg := dynamic.NewMessage(md)
	msg.SetFieldByName("message", "hello")

	formatter := NewJSONFormatter(FormatOptions{})
	text, err := formatter(msg)
	if err != nil {
		t.Fatalf("formatter() error = %v", err)
	}
	if !strings.Contains(text, `"message"`) || !strings.Contains(text, "hello") {
		t.Errorf("formatted JSON = %q, want it to contain message/hello", text)
	}
	if strings.Contains(text, "count") {
		t.Errorf("formatted JSON = %q, should omit zero-valued count without EmitDefaults", text)
	}
}

func TestJSONFormatterEmitDefaults(t *testing.T) {
	descs, _ := testserver.FileDescriptor()
	md := descs.GetServices()[0].FindMethodByName("Echo").GetInputType()
	msg := dynamic.NewMessage(md)

	formatter := NewJSONFormatter(FormatOptions{EmitDefaults: true})
	text, err := formatter(msg)
	if err != nil {
		t.Fatalf("formatter() error = %v", err)
	}
	if !strings.Contains(text, "count") {
		t.Errorf("formatted JSON = %q, want zero-valued count included with EmitDefaults", text)
	}
}

func TestTextFormatterSeparator(t *testing.T) {
	descs, _ := testserver.FileDescriptor()
	md := descs.GetServices()[0].FindMethodByName("Echo").GetInputType()

	formatter := NewTextFormatter(FormatOptions{IncludeTextSeparator: true})

	first := dynamic.NewMessage(md)
	first.SetFieldByName("message", "a")
	firstText, err := formatter(first)
	if err != nil {
		t.Fatalf("formatter() error = %v", err)
	}
	if strings.ContainsRune(firstText, textRecordSeparator) {
		t.Errorf("first message should not be prefixed with a separator, got %q", firstText)
	}

	second := dynamic.NewMessage(md)
	second.SetFieldByName("message", "b")
	secondText, err := formatter(second)
	if err != nil {
		t.Fatalf("formatter() error = %v", err)
	}
	if !strings.HasPrefix(secondText, string([]byte{textRecordSeparator})) {
		t.Errorf("second message should be prefixed with a separator, got %q", secondText)
	}
}

func TestNewFormatterUnknownFormat(t *testing.T) {
	if _, err := NewFormatter(Format("yaml"), FormatOptions{}); err == nil {
		t.Error("expected an error for an unknown format")
	}
}
