package rpcurl

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// ConnectionConfig gathers everything needed to establish the transport
// connection used for both reflection and RPC invocation.
type ConnectionConfig struct {
	// Address is "host:port", "[ipv6]:port", or (when Unix is set) a
	// filesystem path to a Unix domain socket.
	Address string
	Unix    bool

	Plaintext bool
	Insecure  bool
	CACert    string
	Cert      string
	Key       string
	ServerName string
	Authority  string

	ConnectTimeout time.Duration // 0 means the 10s default
	KeepaliveTime  time.Duration // 0 disables client keepalive pings
	MaxMsgSz       int           // 0 means the gRPC default

	UserAgent string
}

// Dial establishes the gRPC connection described by cfg, blocking until it's
// ready or ctx is done. TLS is used unless Plaintext is set.
func Dial(ctx context.Context, cfg ConnectionConfig) (*grpc.ClientConn, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var opts []grpc.DialOption
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTime,
		}))
	}
	if cfg.MaxMsgSz > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(cfg.MaxMsgSz)))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, grpc.WithUserAgent(cfg.UserAgent))
	}

	network := "tcp"
	address := cfg.Address
	if cfg.Unix {
		network = "unix"
	}

	var creds credentials.TransportCredentials
	if cfg.Plaintext {
		if cfg.Authority != "" {
			opts = append(opts, grpc.WithAuthority(cfg.Authority))
		}
	} else {
		var err error
		creds, err = ClientTransportCredentials(cfg.Insecure, cfg.CACert, cfg.Cert, cfg.Key)
		if err != nil {
			return nil, InvalidArgument("failed to create TLS config: %v", err)
		}
		overrideName := cfg.ServerName
		if overrideName == "" {
			overrideName = cfg.Authority
		}
		if overrideName != "" {
			if err := creds.OverrideServerName(overrideName); err != nil {
				return nil, InvalidArgument("failed to override server name: %v", err)
			}
		}
	}

	return BlockingDial(dialCtx, network, address, creds, opts...)
}

// ClientTransportCredentials builds transport credentials for a gRPC client.
// If cacertFile is blank, only the system trust store is used to verify the
// server. If clientCertFile is blank, no client certificate is presented; if
// it's set, clientKeyFile must be too.
func ClientTransportCredentials(insecureSkipVerify bool, cacertFile, clientCertFile, clientKeyFile string) (credentials.TransportCredentials, error) {
	var tlsConf tls.Config

	if clientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(clientCertFile, clientKeyFile)
		if err != nil {
			return nil, IOError(err, "could not load client key pair")
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	if insecureSkipVerify {
		tlsConf.InsecureSkipVerify = true
	} else if cacertFile != "" {
		certPool := x509.NewCertPool()
		ca, err := os.ReadFile(cacertFile)
		if err != nil {
			return nil, IOError(err, "could not read ca certificate")
		}
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, InvalidArgument("failed to append ca certs from %q", cacertFile)
		}
		tlsConf.RootCAs = certPool
	}

	if keyLogFile := os.Getenv("SSLKEYLOGFILE"); keyLogFile != "" {
		f, err := os.OpenFile(keyLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, IOError(err, "could not open SSLKEYLOGFILE %q", keyLogFile)
		}
		tlsConf.KeyLogWriter = f
	}

	return credentials.NewTLS(&tlsConf), nil
}

// BlockingDial dials address, blocking until the connection is ready or ctx
// is done. Unlike a plain grpc.DialContext with grpc.WithBlock, it reports
// permanent failures (like a TLS handshake error) immediately, by driving
// the handshake itself through a custom dialer rather than letting grpc-go
// retry it silently.
func BlockingDial(ctx context.Context, network, address string, creds credentials.TransportCredentials, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	result := make(chan interface{}, 1)

	writeResult := func(res interface{}) {
		select {
		case result <- res:
		default:
		}
	}

	dialer := func(ctx context.Context, address string) (net.Conn, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
		if err != nil {
			writeResult(err)
			return nil, err
		}
		if creds != nil {
			conn, _, err = creds.ClientHandshake(ctx, address, conn)
			if err != nil {
				writeResult(err)
				return nil, err
			}
		}
		return conn, nil
	}

	go func() {
		opts = append(opts,
			grpc.WithBlock(),
			grpc.FailOnNonTempDialError(true),
			grpc.WithContextDialer(dialer),
			grpc.WithTransportCredentials(insecureTransportCredentials{}),
		)
		conn, err := grpc.DialContext(ctx, address, opts...)
		var res interface{}
		if err != nil {
			res = err
		} else {
			res = conn
		}
		writeResult(res)
	}()

	select {
	case res := <-result:
		if conn, ok := res.(*grpc.ClientConn); ok {
			return conn, nil
		}
		return nil, res.(error)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// insecureTransportCredentials tells grpc-go not to perform its own
// transport security handshake, since BlockingDial's dialer already
// performed (or deliberately skipped) one.
type insecureTransportCredentials struct{}

func (insecureTransportCredentials) ClientHandshake(ctx context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, nil, nil
}
func (insecureTransportCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, nil, errors.New("server-side handshake not supported")
}
func (insecureTransportCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "insecure"}
}
func (insecureTransportCredentials) Clone() credentials.TransportCredentials {
	return insecureTransportCredentials{}
}
func (insecureTransportCredentials) OverrideServerName(string) error { return nil }
