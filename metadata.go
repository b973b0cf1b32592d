package rpcurl

import (
	"bytes"
	"encoding/base64"
	"os"
	"sort"
	"strings"

	"google.golang.org/grpc/metadata"
)

// MetadataFromHeaders converts a list of header strings (each string in
// "Header-Name: Header-Value" form) into metadata. If a string has a header
// name without a value (e.g. does not contain a colon), the value is assumed
// to be blank. Binary headers (those whose names end in "-bin") should be
// base64-encoded, but if they can't be decoded they're used as-is, on the
// assumption the caller meant to pass the raw bytes directly.
func MetadataFromHeaders(headers []string) metadata.MD {
	md := make(metadata.MD)
	for _, part := range headers {
		if part == "" {
			continue
		}
		pieces := strings.SplitN(part, ":", 2)
		if len(pieces) == 1 {
			pieces = append(pieces, "")
		}
		headerName := strings.ToLower(strings.TrimSpace(pieces[0]))
		val := strings.TrimSpace(pieces[1])
		if strings.HasSuffix(headerName, "-bin") {
			if v, err := decodeBinHeader(val); err == nil {
				val = v
			}
		}
		md[headerName] = append(md[headerName], val)
	}
	return md
}

var base64Codecs = []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding}

// decodeBinHeader is lenient about which base64 flavor the header value was
// encoded with, since different clients favor different ones.
func decodeBinHeader(val string) (string, error) {
	var firstErr error
	for _, d := range base64Codecs {
		b, err := d.DecodeString(val)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return string(b), nil
	}
	return "", firstErr
}

// MetadataToString returns a string representation of the given metadata,
// one "name: value" pair per line, sorted by key, for displaying to users.
// Binary values are re-encoded to standard base64 for display.
func MetadataToString(md metadata.MD) string {
	if len(md) == 0 {
		return "(empty)"
	}

	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	first := true
	for _, k := range keys {
		for _, v := range md[k] {
			if !first {
				b.WriteString("\n")
			}
			first = false
			b.WriteString(k)
			b.WriteString(": ")
			if strings.HasSuffix(k, "-bin") {
				v = base64.StdEncoding.EncodeToString([]byte(v))
			}
			b.WriteString(v)
		}
	}
	return b.String()
}

// responsePseudoHeaders are entries gRPC-Go itself injects into trailer
// metadata that aren't meaningful to show alongside user-supplied response
// metadata (the status code and message are reported separately).
var responsePseudoHeaders = map[string]bool{
	"grpc-status":   true,
	"grpc-message":  true,
	"grpc-encoding": true,
}

// FilterResponseMetadata strips gRPC's own pseudo-headers out of trailer
// metadata before it's shown to the user as "response metadata".
func FilterResponseMetadata(md metadata.MD) metadata.MD {
	if len(md) == 0 {
		return md
	}
	out := make(metadata.MD, len(md))
	for k, v := range md {
		if !responsePseudoHeaders[strings.ToLower(k)] {
			out[k] = v
		}
	}
	return out
}

// ExpandHeaders replaces ${NAME} placeholders in each header string with the
// value of the named environment variable. It is the opt-in behavior for
// -expand-headers: without it, a literal "${NAME}" is sent as-is, which lets
// users pass values that happen to contain dollar signs without needing to
// escape them. A reference to an environment variable that is unset or
// empty is a hard error, since a silently-empty credential is far more
// dangerous than a failed command.
func ExpandHeaders(headers []string) ([]string, error) {
	if len(headers) == 0 {
		return headers, nil
	}
	expanded := make([]string, len(headers))
	for i, header := range headers {
		var missing string
		result := os.Expand(header, func(name string) string {
			val, ok := os.LookupEnv(name)
			if !ok || val == "" {
				missing = name
			}
			return val
		})
		if missing != "" {
			return nil, InvalidArgument("header %q references undefined environment variable %q", header, missing)
		}
		expanded[i] = result
	}
	return expanded, nil
}
