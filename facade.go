package rpcurl

import (
	"fmt"
	"io"

	"github.com/jhump/protoreflect/desc"
)

// List returns the sorted names this descriptor source exposes: every
// service's methods (by full name) when symbol names a service, or every
// service (by full name) when symbol is empty.
func List(source DescriptorSource, symbol string) ([]string, error) {
	if symbol == "" {
		return ListServices(source)
	}
	methods, err := ListMethods(source, symbol)
	if err != nil {
		return nil, err
	}
	for i, m := range methods {
		methods[i] = symbol + "." + m
	}
	return methods, nil
}

// Describe writes a human-readable description of symbol to w: its kind and
// proto declaration, and (when withTemplate is true and symbol names a
// message) a JSON template showing the shape of a valid request. When
// symbol is empty, every service known to source is described in turn.
func Describe(w io.Writer, source DescriptorSource, symbol string, withTemplate bool) error {
	if symbol == "" {
		svcs, err := ListServices(source)
		if err != nil {
			return err
		}
		for _, svc := range svcs {
			if err := describeOne(w, source, svc, withTemplate); err != nil {
				return err
			}
		}
		return nil
	}
	return describeOne(w, source, symbol, withTemplate)
}

func describeOne(w io.Writer, source DescriptorSource, symbol string, withTemplate bool) error {
	dsc, err := source.FindSymbol(symbol)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s is %s:\n", dsc.GetFullyQualifiedName(), describeKind(dsc))
	text, err := GetDescriptorText(dsc)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, text)

	if !withTemplate {
		return nil
	}
	md, ok := dsc.(*desc.MessageDescriptor)
	if !ok {
		return nil
	}
	tmpl := MakeTemplate(md)
	formatter := NewJSONFormatter(FormatOptions{EmitDefaults: true})
	rendered, err := formatter(tmpl)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Message template:")
	fmt.Fprintln(w, rendered)
	return nil
}

func describeKind(dsc desc.Descriptor) string {
	switch dsc.(type) {
	case *desc.ServiceDescriptor:
		return "a service"
	case *desc.MethodDescriptor:
		return "a method"
	case *desc.MessageDescriptor:
		return "a message"
	case *desc.EnumDescriptor:
		return "an enum"
	case *desc.FieldDescriptor:
		return "a field"
	case *desc.OneOfDescriptor:
		return "a one-of"
	case *desc.EnumValueDescriptor:
		return "an enum value"
	case *desc.FileDescriptor:
		return "a file"
	default:
		return "an unknown kind of descriptor"
	}
}
