package testserver

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// Harness runs an EchoService server over an in-memory bufconn listener for
// the lifetime of a test.
type Harness struct {
	Server   *Server
	grpcSrv  *grpc.Server
	listener *bufconn.Listener
}

// Start brings up the in-memory server. Call Stop when done.
func Start() (*Harness, error) {
	srv, err := New()
	if err != nil {
		return nil, err
	}
	lis := bufconn.Listen(bufSize)
	grpcSrv := grpc.NewServer()
	srv.Register(grpcSrv)
	go grpcSrv.Serve(lis)
	return &Harness{Server: srv, grpcSrv: grpcSrv, listener: lis}, nil
}

// Stop tears down the server.
func (h *Harness) Stop() {
	h.grpcSrv.Stop()
}

// Dial opens a client connection to the in-memory server.
func (h *Harness) Dial(ctx context.Context) (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return h.listener.DialContext(ctx)
	}
	return grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}
