package rpcurl

import (
	"github.com/golang/protobuf/jsonpb" //lint:ignore SA1019 dynamic.Message's (Un)MarshalJSONPB is built around this type
	"github.com/jhump/protoreflect/dynamic"
)

// Formatter renders a dynamic message as a string, in whatever encoding it
// was constructed for.
type Formatter func(msg *dynamic.Message) (string, error)

// NewFormatter builds the Formatter appropriate for format.
func NewFormatter(format Format, opts FormatOptions) (Formatter, error) {
	switch format {
	case FormatJSON:
		return NewJSONFormatter(opts), nil
	case FormatText:
		return NewTextFormatter(opts), nil
	default:
		return nil, InvalidArgument("unknown format %q: must be 'json' or 'text'", format)
	}
}

// NewJSONFormatter returns a Formatter that renders messages as pretty
// printed JSON, two-space indented. 64-bit integer fields are rendered as
// JSON strings (jsonpb's default), and fields left at their zero value are
// omitted unless opts.EmitDefaults is set.
func NewJSONFormatter(opts FormatOptions) Formatter {
	m := jsonpb.Marshaler{
		EmitDefaults: opts.EmitDefaults,
		Indent:       "  ",
		OrigName:     false,
	}
	return func(msg *dynamic.Message) (string, error) {
		s, err := msg.MarshalJSONPB(&m)
		if err != nil {
			return "", ProtoEncodingError(err, "failed to format response as JSON")
		}
		return string(s), nil
	}
}

// NewTextFormatter returns a Formatter that renders messages using protobuf
// text format. When opts.IncludeTextSeparator is set, every message after
// the first is prefixed with a 0x1E record separator, mirroring how
// NewTextRequestParser expects its own input to be delimited.
func NewTextFormatter(opts FormatOptions) Formatter {
	numFormatted := 0
	return func(msg *dynamic.Message) (string, error) {
		b, err := msg.MarshalTextIndent()
		if err != nil {
			return "", ProtoEncodingError(err, "failed to format response as text")
		}
		s := string(b)
		for len(s) > 0 && s[len(s)-1] == '\n' {
			s = s[:len(s)-1]
		}
		if opts.IncludeTextSeparator && numFormatted > 0 {
			s = string([]byte{textRecordSeparator}) + s
		}
		numFormatted++
		return s, nil
	}
}
