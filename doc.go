// Package rpcurl provides the core functionality exposed by the rpcurl
// command, for dynamically connecting to a server, using the reflection
// service (or pre-compiled descriptors, or .proto sources) to inspect it,
// and invoking RPCs. The rpcurl command-line tool constructs a
// DescriptorSource based on its flags, passes the request data (from flags
// or stdin) in an InvokeConfig, and supplies an InvocationEventHandler to
// print the responses (to stdout) and, when verbose, the other events (to
// stderr).
package rpcurl
