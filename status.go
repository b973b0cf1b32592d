package rpcurl

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/golang/protobuf/proto" //lint:ignore SA1019 decodes the wire-format google.rpc.Status embedded in grpc-status-details-bin
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// rpcStatusDetails mirrors the wire shape of google.rpc.Status closely
// enough to pull the repeated google.protobuf.Any out of the
// grpc-status-details-bin trailer. It's defined locally, rather than
// imported from googleapis genproto, because a DescriptorSource's
// well-known-type pool has no obligation to carry it.
type rpcStatusDetails struct {
	Code    int32        `protobuf:"varint,1,opt,name=code"`
	Message string       `protobuf:"bytes,2,opt,name=message"`
	Details []*anypb.Any `protobuf:"bytes,3,rep,name=details"`
}

func (d *rpcStatusDetails) Reset()         { *d = rpcStatusDetails{} }
func (d *rpcStatusDetails) String() string { return fmt.Sprintf("%+v", *d) }
func (d *rpcStatusDetails) ProtoMessage()  {}

// PrintStatus writes a human-readable rendering of stat to w: "OK" for a
// successful status, or an "ERROR:" stanza with code, message, and any
// decoded detail messages otherwise. source, if non-nil, is used to resolve
// each detail's message descriptor so it can be rendered with formatter;
// a detail whose type can't be resolved is shown as its type URL and byte
// length instead.
func PrintStatus(w io.Writer, stat *status.Status, source DescriptorSource, formatter Formatter) {
	if stat.Code() == codes.OK {
		fmt.Fprintln(w, "OK")
		return
	}
	fmt.Fprintln(w, "ERROR:")
	fmt.Fprintf(w, "  Code: %s\n", stat.Code().String())
	fmt.Fprintf(w, "  Message: %s\n", stat.Message())

	details := decodeStatusDetails(stat)
	if len(details) == 0 {
		return
	}
	fmt.Fprintln(w, "  Details:")
	for _, any := range details {
		dm, err := resolveAnyDetail(any, source)
		if err != nil || formatter == nil {
			fmt.Fprintf(w, "  - %s (%d bytes)\n", any.GetTypeUrl(), len(any.GetValue()))
			continue
		}
		text, err := formatter(dm)
		if err != nil {
			fmt.Fprintf(w, "  - %s (%d bytes)\n", any.GetTypeUrl(), len(any.GetValue()))
			continue
		}
		fmt.Fprintf(w, "  - %s\n", any.GetTypeUrl())
		for _, line := range strings.Split(text, "\n") {
			fmt.Fprintf(w, "      %s\n", line)
		}
	}
}

// statusDetail is the structured rendering of one google.protobuf.Any detail
// for FormatStatus's JSON output: the resolved message when its descriptor
// is known, or the raw type URL and byte count otherwise.
type statusDetail struct {
	TypeURL string          `json:"typeUrl"`
	Message json.RawMessage `json:"message,omitempty"`
	Bytes   int             `json:"bytes,omitempty"`
}

// FormatStatus renders stat in the given format rather than the fixed
// human-readable stanza PrintStatus uses, for -format-error. There's no
// generated google.rpc.Status message to hand to a Formatter here (this
// package deliberately doesn't carry one; see decodeStatusDetails), so JSON
// output is built directly and text output mirrors PrintStatus's fields
// without the indentation meant for a terminal.
func FormatStatus(stat *status.Status, source DescriptorSource, format Format) (string, error) {
	details := decodeStatusDetails(stat)
	switch format {
	case FormatText:
		var b strings.Builder
		fmt.Fprintf(&b, "code: %s\n", stat.Code().String())
		fmt.Fprintf(&b, "message: %s\n", stat.Message())
		for _, any := range details {
			fmt.Fprintf(&b, "detail: %s (%d bytes)\n", any.GetTypeUrl(), len(any.GetValue()))
		}
		return b.String(), nil
	case FormatJSON, "":
		out := struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details []statusDetail `json:"details,omitempty"`
		}{
			Code:    stat.Code().String(),
			Message: stat.Message(),
		}
		formatter := NewJSONFormatter(FormatOptions{EmitDefaults: true})
		for _, any := range details {
			sd := statusDetail{TypeURL: any.GetTypeUrl(), Bytes: len(any.GetValue())}
			if dm, err := resolveAnyDetail(any, source); err == nil {
				if text, err := formatter(dm); err == nil {
					sd.Message = json.RawMessage(text)
					sd.Bytes = 0
				}
			}
			out.Details = append(out.Details, sd)
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return "", ProtoEncodingError(err, "failed to format status as JSON")
		}
		return string(b), nil
	default:
		return "", InvalidArgument("unknown format %q: must be 'json' or 'text'", format)
	}
}

// decodeStatusDetails extracts the google.protobuf.Any details out of the
// status's grpc-status-details-bin trailer, ignoring decode failures: a
// status with a malformed details trailer should still print its code and
// message.
func decodeStatusDetails(stat *status.Status) []*anypb.Any {
	pb := stat.Proto()
	if pb == nil {
		return nil
	}
	raw, err := proto.Marshal(pb)
	if err != nil {
		return nil
	}
	var d rpcStatusDetails
	if err := proto.Unmarshal(raw, &d); err != nil {
		return nil
	}
	return d.Details
}

// resolveAnyDetail looks up the message type named by any's type URL
// against source and, if found, unmarshals any's payload into a dynamic
// message of that type.
func resolveAnyDetail(any *anypb.Any, source DescriptorSource) (*dynamic.Message, error) {
	if source == nil {
		return nil, ErrReflectionNotSupported
	}
	typeName := any.GetTypeUrl()
	if idx := strings.LastIndexByte(typeName, '/'); idx >= 0 {
		typeName = typeName[idx+1:]
	}
	dsc, err := source.FindSymbol(typeName)
	if err != nil {
		return nil, err
	}
	md, ok := dsc.(*desc.MessageDescriptor)
	if !ok {
		return nil, InvalidArgument("%s is not a message type", typeName)
	}
	dm := dynamic.NewMessage(md)
	if err := dm.Unmarshal(any.GetValue()); err != nil {
		return nil, ProtoEncodingError(err, "could not decode detail of type %s", typeName)
	}
	return dm, nil
}
