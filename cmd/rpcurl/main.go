// Command rpcurl makes gRPC requests (a la cURL, but HTTP/2). It can use a
// supplied descriptor file, protobuf sources, or service reflection to
// translate JSON or text request data into the appropriate protobuf messages
// and vice versa for presenting the response contents.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rpcurl/rpcurl"
	"github.com/rpcurl/rpcurl/internal/rpclog"
)

// To avoid confusion between program error codes and the gRPC response
// status codes 'Cancelled' and 'Unknown', 1 and 2 respectively, the
// response status codes emitted use an offset of 64.
const statusCodeOffset = 64

var (
	exit = os.Exit

	flags = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	help = flags.Bool("help", false, prettify(`
		Print usage instructions and exit.`))

	plaintext = flags.Bool("plaintext", false, prettify(`
		Use plain-text HTTP/2 when connecting to server (no TLS).`))
	insecure = flags.Bool("insecure", false, prettify(`
		Skip server certificate and domain verification. (NOT SECURE!) Not
		valid with -plaintext option.`))
	unix = flags.Bool("unix", false, prettify(`
		Indicates that the address is a Unix domain socket path.`))

	cacert = flags.String("cacert", "", prettify(`
		File containing trusted root certificates for verifying the server.
		Ignored if -insecure is specified.`))
	cert = flags.String("cert", "", prettify(`
		File containing client certificate (public key), to present to the
		server. Not valid with -plaintext option. Must also provide -key option.`))
	key = flags.String("key", "", prettify(`
		File containing client private key, to present to the server. Not valid
		with -plaintext option. Must also provide -cert option.`))

	protoset    multiString
	protoFiles  multiString
	importPaths multiString
	addlHeaders multiString
	rpcHeaders  multiString
	reflHeaders multiString

	expandHeaders = flags.Bool("expand-headers", false, prettify(`
		If set, headers may use '${NAME}' syntax to reference environment
		variables. These will be expanded to the actual environment variable
		value before sending to the server. This applies to -H, -rpc-header,
		and -reflect-header options.`))
	authority = flags.String("authority", "", prettify(`
		The authoritative name of the remote server. This value is passed as
		the value of the ":authority" pseudo-header in the HTTP/2 protocol.
		When TLS is used, this will also be used as the server name when
		verifying the server's certificate.`))
	serverName = flags.String("servername", "", prettify(`
		Override server name when validating TLS certificate. This flag is
		ignored if -plaintext or -insecure is used. Prefer -authority.`))
	userAgent = flags.String("user-agent", "", prettify(`
		If set, the specified value will be added to the User-Agent header.`))
	data = flags.String("d", "", prettify(`
		Data for request contents. If the value is '@' then the request
		contents are read from stdin. For calls that accept a stream of
		requests, the contents should include all such request messages
		concatenated together (possibly delimited; see -format).`))
	format = flags.String("format", "json", prettify(`
		The format of request data. The allowed values are 'json' or 'text'.`))
	allowUnknownFields = flags.Bool("allow-unknown-fields", false, prettify(`
		When true, the request contents, if 'json' format is used, allows
		unknown fields to be present. They will be ignored when parsing the
		request.`))
	connectTimeout = flags.Float64("connect-timeout", 0, prettify(`
		The maximum time, in seconds, to wait for connection to be
		established. Defaults to 10 seconds.`))
	formatError = flags.Bool("format-error", false, prettify(`
		When a non-zero status is returned, format the response using the
		value set by the -format flag.`))
	keepaliveTime = flags.Float64("keepalive-time", 0, prettify(`
		If present, the maximum idle time in seconds, after which a keepalive
		probe is sent.`))
	maxTime = flags.Float64("max-time", 0, prettify(`
		The maximum total time the operation can take, in seconds.`))
	maxMsgSz = flags.Int("max-msg-sz", 0, prettify(`
		The maximum encoded size of a response message, in bytes, that rpcurl
		will accept. If not specified, defaults to the gRPC default (4MB).`))
	emitDefaults = flags.Bool("emit-defaults", false, prettify(`
		Emit default values for JSON-encoded responses.`))
	protosetOut = flags.String("protoset-out", "", prettify(`
		The name of a file to be written that will contain a
		FileDescriptorSet proto.`))
	protoOut = flags.String("proto-out-dir", "", prettify(`
		The name of a directory where the generated .proto files will be
		written.`))
	msgTemplate = flags.Bool("msg-template", false, prettify(`
		When describing messages, show a template of input data.`))
	verbose = flags.Bool("v", false, prettify(`
		Enable verbose output.`))
	veryVerbose = flags.Bool("vv", false, prettify(`
		Enable very verbose output.`))

	reflection = optionalBoolFlag{val: true}
)

func init() {
	flags.Var(&addlHeaders, "H", prettify(`
		Additional headers in 'name: value' format. May specify more than one
		via multiple flags. These headers will also be included in
		reflection requests to a server.`))
	flags.Var(&rpcHeaders, "rpc-header", prettify(`
		Additional RPC headers in 'name: value' format. These headers will
		*only* be used when invoking the requested RPC method.`))
	flags.Var(&reflHeaders, "reflect-header", prettify(`
		Additional reflection headers in 'name: value' format. These headers
		will *only* be used during reflection requests.`))
	flags.Var(&protoset, "protoset", prettify(`
		The name of a file containing an encoded FileDescriptorSet. May
		specify more than one via multiple -protoset flags. It is an error
		to use both -protoset and -proto flags.`))
	flags.Var(&protoFiles, "proto", prettify(`
		The name of a proto source file. May specify more than one via
		multiple -proto flags. It is an error to use both -protoset and
		-proto flags.`))
	flags.Var(&importPaths, "import-path", prettify(`
		The path to a directory from which proto sources can be imported,
		for use with -proto flags. May specify more than one.`))
	flags.Var(&reflection, "use-reflection", prettify(`
		When true, server reflection will be used to determine the RPC
		schema. Defaults to true unless a -proto or -protoset option is
		provided.`))
}

type multiString []string

func (s *multiString) String() string { return strings.Join(*s, ",") }
func (s *multiString) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type optionalBoolFlag struct {
	set, val bool
}

func (f *optionalBoolFlag) String() string {
	if !f.set {
		return "unset"
	}
	return strconv.FormatBool(f.val)
}
func (f *optionalBoolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.set, f.val = true, v
	return nil
}
func (f *optionalBoolFlag) IsBoolFlag() bool { return true }

func main() {
	flags.Usage = usage
	flags.Parse(os.Args[1:])
	if *help {
		usage()
		exit(0)
	}

	target, verb, symbol := parseAndValidate(flags.Args())

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *veryVerbose {
		verbosity = 2
		rpclog.UseVerbose(os.Stderr)
	}

	if *expandHeaders {
		var err error
		if addlHeaders, err = expandHeaders(addlHeaders); err != nil {
			fail(err, "failed to expand headers")
		}
		if rpcHeaders, err = expandHeaders(rpcHeaders); err != nil {
			fail(err, "failed to expand headers")
		}
		if reflHeaders, err = expandHeaders(reflHeaders); err != nil {
			fail(err, "failed to expand headers")
		}
	}

	ctx := context.Background()
	if *maxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, floatSecondsToDuration(*maxTime))
		defer cancel()
	}

	var fileSource rpcurl.DescriptorSource
	if len(protoset) > 0 {
		var err error
		fileSource, err = rpcurl.DescriptorSourceFromProtoSets(protoset...)
		if err != nil {
			fail(err, "failed to load protoset files")
		}
	} else if len(protoFiles) > 0 {
		var err error
		fileSource, err = rpcurl.DescriptorSourceFromProtoFiles(importPaths, protoFiles...)
		if err != nil {
			fail(err, "failed to process proto source files")
		}
	}

	var cc *grpc.ClientConn
	if target != "" {
		var err error
		cc, err = rpcurl.Dial(ctx, connectionConfig(target))
		if err != nil {
			fail(err, "failed to dial target host %q", target)
		}
		defer cc.Close()
	}

	var descSource rpcurl.DescriptorSource
	switch {
	case reflection.val:
		refCtx := metadata.NewOutgoingContext(ctx, rpcurl.MetadataFromHeaders(append(append([]string{}, addlHeaders...), reflHeaders...)))
		refClient := grpcreflect.NewClientAuto(refCtx, cc)
		reflSource := rpcurl.DescriptorSourceFromServer(refClient)
		defer refClient.Reset()
		if fileSource != nil {
			descSource = rpcurl.CompositeSource{Reflection: reflSource, File: fileSource}
		} else {
			descSource = reflSource
		}
	case fileSource != nil:
		descSource = fileSource
	default:
		fail(nil, "No descriptor source available.")
	}

	exitCode := 0
	switch {
	case verb == "list":
		names, err := rpcurl.List(descSource, symbol)
		if err != nil {
			fail(err, "failed to list services")
		}
		for _, n := range names {
			fmt.Println(n)
		}
	case verb == "describe":
		if err := rpcurl.Describe(os.Stdout, descSource, symbol, *msgTemplate); err != nil {
			fail(err, "failed to describe symbol")
		}
	default:
		exitCode = doInvoke(ctx, descSource, cc, symbol, verbosity)
	}

	if err := writeExports(descSource, verb, symbol); err != nil {
		fail(err, "failed to write descriptor export")
	}

	exit(exitCode)
}

// parseAndValidate interprets the positional args left over after flag
// parsing into (target, verb, symbol) and enforces every cross-flag
// constraint that a single flag's own type can't express. It reads the
// repeatable/tri-state flag globals directly, the same way the rest of
// main does, so it validates exactly what will be used to drive the rest
// of the command.
func parseAndValidate(args []string) (target, verb, symbol string) {
	if len(args) == 0 {
		fail(nil, "Too few arguments.")
	}

	if args[0] != "list" && args[0] != "describe" {
		target = args[0]
		args = args[1:]
	}

	if len(args) == 0 {
		fail(nil, "Too few arguments.")
	}
	if args[0] == "list" || args[0] == "describe" {
		verb = args[0]
		args = args[1:]
	}

	if verb == "" {
		if len(args) == 0 {
			fail(nil, "Too few arguments.")
		}
		symbol = args[0]
		args = args[1:]
	} else {
		if *data != "" {
			warn("The -d argument is not used with 'list' or 'describe' verb.")
		}
		if len(rpcHeaders) > 0 {
			warn("The -rpc-header argument is not used with 'list' or 'describe' verb.")
		}
		if len(args) > 0 {
			symbol = args[0]
			args = args[1:]
		}
	}
	if len(args) > 0 {
		fail(nil, "Too many arguments.")
	}

	if verb == "" && target == "" {
		fail(nil, "No host:port specified.")
	}
	if len(protoset) == 0 && len(protoFiles) == 0 && target == "" {
		fail(nil, "No host:port specified, no protoset specified, and no proto sources specified.")
	}
	if len(protoset) > 0 && len(reflHeaders) > 0 {
		warn("The -reflect-header argument is not used when -protoset files are used.")
	}
	if len(protoset) > 0 && len(protoFiles) > 0 {
		fail(nil, "Use either -protoset files or -proto files, but not both.")
	}
	if len(importPaths) > 0 && len(protoFiles) == 0 {
		warn("The -import-path argument is not used unless -proto files are used.")
	}
	if !reflection.val && len(protoset) == 0 && len(protoFiles) == 0 {
		fail(nil, "No protoset files or proto files specified and -use-reflection set to false.")
	}
	if !reflection.set && (len(protoset) > 0 || len(protoFiles) > 0) {
		reflection.val = false
	}
	if reflection.val && target == "" {
		fail(nil, "Cannot use reflection without an address to connect to.")
	}

	if *connectTimeout < 0 {
		fail(nil, "The -connect-timeout argument must not be negative.")
	}
	if *keepaliveTime < 0 {
		fail(nil, "The -keepalive-time argument must not be negative.")
	}
	if *maxTime < 0 {
		fail(nil, "The -max-time argument must not be negative.")
	}
	if *maxMsgSz < 0 {
		fail(nil, "The -max-msg-sz argument must not be negative.")
	}
	if *insecure && *plaintext {
		fail(nil, "The -insecure argument can only be used with TLS.")
	}
	if *cert != "" && *plaintext {
		fail(nil, "The -cert argument can only be used with TLS.")
	}
	if *key != "" && *plaintext {
		fail(nil, "The -key argument can only be used with TLS.")
	}
	if (*key == "") != (*cert == "") {
		fail(nil, "The -cert and -key arguments must be used together and both be present.")
	}
	if *format != "json" && *format != "text" {
		fail(nil, "The -format option must be 'json' or 'text'.")
	}
	if *emitDefaults && *format != "json" {
		warn("The -emit-defaults flag is only used when using json format.")
	}
	if *serverName != "" && *authority != "" && *serverName != *authority {
		fail(nil, "Server name (-servername) %q and authority (-authority) %q disagree; use one or the other, or set them to the same value.", *serverName, *authority)
	}

	return target, verb, symbol
}

func doInvoke(ctx context.Context, descSource rpcurl.DescriptorSource, cc *grpc.ClientConn, methodName string, verbosity int) int {
	cfg := rpcurl.InvokeConfig{
		Format:             rpcurl.Format(*format),
		EmitDefaults:       *emitDefaults,
		AllowUnknownFields: *allowUnknownFields,
		FormatError:        *formatError,
		Data:               *data,
		Headers:            addlHeaders,
		RPCHeaders:         rpcHeaders,
		MaxMsgSz:           *maxMsgSz,
		Verbosity:          verbosity,
		ProtosetOut:        *protosetOut,
		ProtoOutDir:        *protoOut,
	}

	formatter, err := rpcurl.NewFormatter(cfg.Format, rpcurl.FormatOptions{EmitDefaults: cfg.EmitDefaults})
	if err != nil {
		fail(err, "failed to construct formatter")
	}

	handler := &eventHandler{formatter: formatter, verbosity: verbosity}

	result, err := rpcurl.Invoke(ctx, descSource, cc, methodName, cfg, handler)
	if err != nil {
		fail(err, "invocation failed")
	}

	if result.Status.Code() != 0 {
		if cfg.FormatError {
			text, ferr := rpcurl.FormatStatus(result.Status, descSource, cfg.Format)
			if ferr != nil {
				fail(ferr, "failed to format status")
			}
			fmt.Fprintln(os.Stderr, text)
		} else {
			rpcurl.PrintStatus(os.Stderr, result.Status, descSource, formatter)
		}
		return statusCodeOffset + int(result.Status.Code())
	}
	return 0
}

type eventHandler struct {
	formatter rpcurl.Formatter
	verbosity int
}

func (h *eventHandler) OnResolveMethod(mtd *desc.MethodDescriptor) {
	if h.verbosity > 0 {
		text, err := rpcurl.GetDescriptorText(mtd)
		if err == nil {
			fmt.Fprintf(os.Stderr, "\nResolved method descriptor:\n%s\n", text)
		}
	}
}

func (h *eventHandler) OnSendHeaders(md metadata.MD) {
	if h.verbosity > 0 {
		fmt.Fprintf(os.Stderr, "\nRequest metadata to send:\n%s\n", rpcurl.MetadataToString(md))
	}
}

func (h *eventHandler) OnReceiveHeaders(md metadata.MD) {
	if h.verbosity > 0 {
		fmt.Fprintf(os.Stderr, "\nResponse headers received:\n%s\n", rpcurl.MetadataToString(md))
	}
}

func (h *eventHandler) OnReceiveResponse(msg *dynamic.Message) {
	if h.verbosity > 0 {
		fmt.Fprintln(os.Stderr, "\nResponse contents:")
	}
	text, err := h.formatter(msg)
	if err != nil {
		fail(err, "failed to format response")
	}
	fmt.Println(text)
}

func (h *eventHandler) OnReceiveTrailers(stat *status.Status, md metadata.MD) {
	if h.verbosity > 0 {
		fmt.Fprintf(os.Stderr, "\nResponse trailers received:\n%s\n", rpcurl.MetadataToString(rpcurl.FilterResponseMetadata(md)))
	}
}

func writeExports(descSource rpcurl.DescriptorSource, verb, symbol string) error {
	if verb == "" || symbol == "" {
		return nil
	}
	if *protosetOut == "" && *protoOut == "" {
		return nil
	}
	symbols := []string{symbol}
	if *protosetOut != "" {
		f, err := os.Create(*protosetOut)
		if err != nil {
			return rpcurl.IOError(err, "failed to create protoset-out file")
		}
		defer f.Close()
		if err := rpcurl.WriteProtoset(f, descSource, symbols...); err != nil {
			return err
		}
	}
	if *protoOut != "" {
		if err := rpcurl.WriteProtoFiles(*protoOut, descSource, symbols...); err != nil {
			return err
		}
	}
	return nil
}

func connectionConfig(target string) rpcurl.ConnectionConfig {
	return rpcurl.ConnectionConfig{
		Address:        target,
		Unix:           *unix,
		Plaintext:      *plaintext,
		Insecure:       *insecure,
		CACert:         *cacert,
		Cert:           *cert,
		Key:            *key,
		ServerName:     *serverName,
		Authority:      *authority,
		ConnectTimeout: floatSecondsToDuration(*connectTimeout),
		KeepaliveTime:  floatSecondsToDuration(*keepaliveTime),
		MaxMsgSz:       *maxMsgSz,
		UserAgent:      *userAgent,
	}
}

func expandHeaders(headers []string) ([]string, error) {
	return rpcurl.ExpandHeaders(headers)
}

func floatSecondsToDuration(seconds float64) time.Duration {
	durationFloat := seconds * float64(time.Second)
	if durationFloat > math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(durationFloat)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	%s [flags] [address] [list|describe] [symbol]

The 'address' is only optional when used with 'list' or 'describe' and a
protoset or proto flag is provided.

If 'list' is indicated, the symbol (if present) should be a fully-qualified
service name. If present, all methods of that service are listed. If not
present, all exposed services are listed.

If 'describe' is indicated, the descriptor for the given symbol is shown. If
no symbol is given then the descriptors for all exposed services are shown.

If neither verb is present, the symbol must be a fully-qualified method name
in 'service/method' or 'service.method' format. In this case, the request
body will be used to invoke the named method. If no body is given but one is
required, an empty instance of the method's request type will be sent.

Available flags:
`, os.Args[0])
	flags.PrintDefaults()
}

func prettify(docString string) string {
	parts := strings.Split(docString, "\n")
	j := 0
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parts[j] = part
		j++
	}
	return strings.Join(parts[:j], "\n")
}

func warn(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+msg+"\n", args...)
}

func fail(err error, msg string, args ...interface{}) {
	if err != nil {
		msg += ": %v"
		args = append(args, err)
	}
	fmt.Fprintf(os.Stderr, msg, args...)
	fmt.Fprintln(os.Stderr)
	if err != nil && rpcurl.KindOf(err) != rpcurl.KindInvalidArgument {
		exit(1)
	} else {
		fmt.Fprintf(os.Stderr, "Try '%s -help' for more details.\n", os.Args[0])
		exit(2)
	}
}
