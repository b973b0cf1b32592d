package rpcurl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/golang/protobuf/jsonpb" //lint:ignore SA1019 dynamic.Message's (Un)MarshalJSONPB is built around this type
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
)

// Format names a wire-neutral encoding for request/response payloads.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// FormatOptions controls how request data is parsed and response data is
// formatted.
type FormatOptions struct {
	// EmitDefaults includes fields with default/zero values in JSON output.
	EmitDefaults bool
	// AllowUnknownFields makes the JSON request parser tolerate fields in
	// the input that don't exist on the target message, instead of failing.
	AllowUnknownFields bool
	// IncludeTextSeparator governs whether the text formatter prepends a
	// 0x1E record separator before each message after the first, so that
	// multiple responses in a streaming RPC can be told apart.
	IncludeTextSeparator bool
}

// RequestParser parses messages from an input stream, one at a time, in the
// wire-neutral encoding it was constructed for.
type RequestParser interface {
	// Next parses and returns the next message on the stream, interpreting
	// its fields against md. It returns io.EOF once the stream is
	// exhausted.
	Next(md *desc.MessageDescriptor) (*dynamic.Message, error)
	// NumRequests returns how many messages have been successfully parsed
	// so far.
	NumRequests() int
}

// openRequestData returns the bytes to parse requests from: data verbatim,
// unless it's exactly "@", in which case it reads all of stdin.
func openRequestData(data string) ([]byte, error) {
	if data != "@" {
		return []byte(data), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, IOError(err, "failed to read request data from stdin")
	}
	return b, nil
}

// ---------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------

type jsonRequestParser struct {
	dec         *json.Decoder
	unmarshaler jsonpb.Unmarshaler
	numRequests int
}

// NewJSONRequestParser returns a RequestParser that reads a stream of
// (optionally whitespace-separated) JSON objects from data. If data is "@",
// it reads from stdin instead.
func NewJSONRequestParser(data string, opts FormatOptions) (RequestParser, error) {
	b, err := openRequestData(data)
	if err != nil {
		return nil, err
	}
	return &jsonRequestParser{
		dec:         json.NewDecoder(bytes.NewReader(b)),
		unmarshaler: jsonpb.Unmarshaler{AllowUnknownFields: opts.AllowUnknownFields},
	}, nil
}

func (p *jsonRequestParser) Next(md *desc.MessageDescriptor) (*dynamic.Message, error) {
	var msg json.RawMessage
	if err := p.dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ProtoEncodingError(err, "invalid JSON in request data")
	}
	dm := dynamic.NewMessage(md)
	if err := dm.UnmarshalJSONPB(&p.unmarshaler, msg); err != nil {
		return nil, ProtoEncodingError(err, "failed to parse JSON request for %s", md.GetFullyQualifiedName())
	}
	p.numRequests++
	return dm, nil
}

func (p *jsonRequestParser) NumRequests() int { return p.numRequests }

// ---------------------------------------------------------------------
// Text
// ---------------------------------------------------------------------

const textRecordSeparator = 0x1e

type textRequestParser struct {
	r           *bufio.Reader
	numRequests int
}

// NewTextRequestParser returns a RequestParser that reads a stream of
// protobuf text-format messages from data, separated by the 0x1E ASCII
// record-separator character. If data is "@", it reads from stdin instead.
// A single call against otherwise-empty input yields one empty message,
// matching the convention that an absent request body still sends a
// zero-valued request for unary and server-streaming methods.
func NewTextRequestParser(data string) (RequestParser, error) {
	b, err := openRequestData(data)
	if err != nil {
		return nil, err
	}
	return &textRequestParser{r: bufio.NewReader(bytes.NewReader(b))}, nil
}

func (p *textRequestParser) Next(md *desc.MessageDescriptor) (*dynamic.Message, error) {
	text, err := p.r.ReadString(textRecordSeparator)
	if err != nil && err != io.EOF {
		return nil, IOError(err, "failed to read request data")
	}
	text = trimSeparator(text)
	trimmed := bytes.TrimSpace([]byte(text))

	if len(trimmed) == 0 {
		if p.numRequests == 0 {
			// Empty input is a valid, empty request message: the zero value.
			p.numRequests++
			return dynamic.NewMessage(md), nil
		}
		return nil, io.EOF
	}

	dm := dynamic.NewMessage(md)
	if err := dm.UnmarshalText(trimmed); err != nil {
		return nil, ProtoEncodingError(err, "failed to parse text format request for %s", md.GetFullyQualifiedName())
	}
	p.numRequests++
	return dm, nil
}

func trimSeparator(s string) string {
	if len(s) > 0 && s[len(s)-1] == textRecordSeparator {
		return s[:len(s)-1]
	}
	return s
}

func (p *textRequestParser) NumRequests() int { return p.numRequests }

// NewRequestParser builds the RequestParser appropriate for format.
func NewRequestParser(format Format, data string, opts FormatOptions) (RequestParser, error) {
	switch format {
	case FormatJSON:
		return NewJSONRequestParser(data, opts)
	case FormatText:
		return NewTextRequestParser(data)
	default:
		return nil, InvalidArgument("unknown format %q: must be 'json' or 'text'", format)
	}
}
