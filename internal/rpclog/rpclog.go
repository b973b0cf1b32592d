// Package rpclog wires the gRPC-Go logging facade to the process's stderr
// and exposes a warning helper the rpcurl library uses to report non-fatal
// problems (a skipped descriptor file) without pulling in a separate logging
// dependency.
package rpclog

import (
	"fmt"
	"io"
	"os"

	"google.golang.org/grpc/grpclog"
)

// UseVerbose installs a grpclog.LoggerV2 that writes everything (including
// INFO-level transport chatter such as keepalive pings and connectivity
// state changes) to w. Call it once, before dialing, when -vv is set; otherwise gRPC's default logger only surfaces warnings and errors.
func UseVerbose(w io.Writer) {
	grpclog.SetLoggerV2(grpclog.NewLoggerV2(w, w, w))
}

// Warn prints a "Warning: " prefixed, printf-formatted message to stderr.
// It is used for conditions that shouldn't stop the command but that the
// user should know about, such as a descriptor file being skipped because
// its dependencies couldn't be resolved.
func Warn(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}
