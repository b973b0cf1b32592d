package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// exitPanic is how the mocked exit() unwinds a validation failure without
// tearing down the test binary: fail()/parseAndValidate() call exit()
// unconditionally on any validation error, so panicking with this sentinel
// and recovering in runValidate is the only way to observe the call without
// actually terminating the process.
type exitPanic struct{ code int }

func resetFlags() {
	*plaintext = false
	*insecure = false
	*unix = false
	*cacert = ""
	*cert = ""
	*key = ""
	protoset = nil
	protoFiles = nil
	importPaths = nil
	addlHeaders = nil
	rpcHeaders = nil
	reflHeaders = nil
	*expandHeaders = false
	*authority = ""
	*serverName = ""
	*userAgent = ""
	*data = ""
	*format = "json"
	*allowUnknownFields = false
	*connectTimeout = 0
	*formatError = false
	*keepaliveTime = 0
	*maxTime = 0
	*maxMsgSz = 0
	*emitDefaults = false
	*protosetOut = ""
	*protoOut = ""
	*msgTemplate = false
	*verbose = false
	*veryVerbose = false
	reflection = optionalBoolFlag{val: true}
}

// runValidate resets every flag global to its default, applies setup, then
// calls parseAndValidate(args) with exit() and os.Stderr both intercepted.
// It returns what was written to stderr, the code passed to exit (if any),
// and whether exit was called at all.
func runValidate(t *testing.T, args []string, setup func()) (stderrText string, code int, exited bool) {
	t.Helper()
	resetFlags()
	if setup != nil {
		setup()
	}

	origExit := exit
	exit = func(c int) { panic(exitPanic{c}) }
	defer func() { exit = origExit }()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	origStderr := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = origStderr }()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				if ep, ok := rec.(exitPanic); ok {
					code = ep.code
					exited = true
					return
				}
				panic(rec)
			}
		}()
		parseAndValidate(args)
	}()

	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	r.Close()
	return buf.String(), code, exited
}

func TestParseAndValidateTooFewArguments(t *testing.T) {
	stderr, code, exited := runValidate(t, nil, nil)
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "Too few arguments.") {
		t.Errorf("stderr = %q, want it to mention too few arguments", stderr)
	}
}

func TestParseAndValidateTooManyArguments(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method", "extra"}, nil)
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "Too many arguments.") {
		t.Errorf("stderr = %q, want it to mention too many arguments", stderr)
	}
}

func TestParseAndValidateNoHostPort(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"list"}, nil)
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "No host:port specified, no protoset specified, and no proto sources specified.") {
		t.Errorf("stderr = %q, want it to mention a missing host:port", stderr)
	}
}

func TestParseAndValidateProtosetAndProtoConflict(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		protoset = multiString{"a.protoset"}
		protoFiles = multiString{"a.proto"}
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "Use either -protoset files or -proto files, but not both.") {
		t.Errorf("stderr = %q, want it to mention the protoset/proto conflict", stderr)
	}
}

func TestParseAndValidateNoReflectionNoSources(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		reflection = optionalBoolFlag{set: true, val: false}
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "No protoset files or proto files specified and -use-reflection set to false.") {
		t.Errorf("stderr = %q, want it to mention the missing descriptor source", stderr)
	}
}

func TestParseAndValidateReflectionWithoutTarget(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"list"}, func() {
		protoset = multiString{"a.protoset"}
		reflection = optionalBoolFlag{set: true, val: true}
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "Cannot use reflection without an address to connect to.") {
		t.Errorf("stderr = %q, want it to mention reflection needing an address", stderr)
	}
}

func TestParseAndValidateNegativeConnectTimeout(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		*connectTimeout = -1
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "The -connect-timeout argument must not be negative.") {
		t.Errorf("stderr = %q, want it to mention the negative connect-timeout", stderr)
	}
}

func TestParseAndValidateInsecureWithPlaintext(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		*insecure = true
		*plaintext = true
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "The -insecure argument can only be used with TLS.") {
		t.Errorf("stderr = %q, want it to mention insecure/TLS", stderr)
	}
}

func TestParseAndValidateCertWithoutKey(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		*cert = "client.crt"
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "The -cert and -key arguments must be used together and both be present.") {
		t.Errorf("stderr = %q, want it to mention the cert/key pairing", stderr)
	}
}

func TestParseAndValidateBadFormat(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		*format = "yaml"
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "The -format option must be 'json' or 'text'.") {
		t.Errorf("stderr = %q, want it to mention the bad format value", stderr)
	}
}

func TestParseAndValidateServerNameAuthorityMismatch(t *testing.T) {
	stderr, code, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		*serverName = "foo.example.com"
		*authority = "bar.example.com"
	})
	if !exited || code != 2 {
		t.Fatalf("exited = %v, code = %d, want exit(2)", exited, code)
	}
	if !strings.Contains(stderr, "-servername") {
		t.Errorf("stderr = %q, want it to mention the -servername flag by name", stderr)
	}
	if !strings.Contains(stderr, "-authority") {
		t.Errorf("stderr = %q, want it to mention the -authority flag by name", stderr)
	}
}

func TestParseAndValidateEmitDefaultsWithTextWarns(t *testing.T) {
	stderr, _, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, func() {
		*format = "text"
		*emitDefaults = true
	})
	if exited {
		t.Fatalf("exited unexpectedly, stderr = %q", stderr)
	}
	if !strings.Contains(stderr, "Warning: The -emit-defaults flag is only used when using json format.") {
		t.Errorf("stderr = %q, want the emit-defaults warning", stderr)
	}
}

func TestParseAndValidateValidInvocation(t *testing.T) {
	stderr, _, exited := runValidate(t, []string{"localhost:1234", "pkg.Svc/Method"}, nil)
	if exited {
		t.Fatalf("exited unexpectedly, stderr = %q", stderr)
	}
	if stderr != "" {
		t.Errorf("stderr = %q, want no warnings for a valid invocation", stderr)
	}
}

func TestParseAndValidateListWithoutSymbol(t *testing.T) {
	stderr, _, exited := runValidate(t, []string{"localhost:1234", "list"}, nil)
	if exited {
		t.Fatalf("exited unexpectedly, stderr = %q", stderr)
	}
	if stderr != "" {
		t.Errorf("stderr = %q, want no warnings", stderr)
	}
}
