package wchannel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/workhive/workhive/internal/protocol"
)

// The gRPC network channel has no .proto file: there is no protoc step in
// this build, so the service is described by a literal grpc.ServiceDesc and
// wire messages are the same protocol.Envelope Go struct, marshalled by the
// envelopeCodec (codec.go) instead of generated protobuf types. This keeps
// google.golang.org/grpc genuinely exercised (bidirectional streaming,
// content-subtype codec negotiation, grpc.ClientConn/grpc.Server) without
// requiring generated descriptors.
const (
	workerLinkServiceName = "workhive.WorkerLink"
	exchangeMethod        = "/" + workerLinkServiceName + "/Exchange"
)

var workerLinkServiceDesc = grpc.ServiceDesc{
	ServiceName: workerLinkServiceName,
	HandlerType: (*grpcExchangeHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "workhive/wchannel",
}

type grpcExchangeHandler interface {
	handleExchange(stream grpc.ServerStream) error
}

func exchangeStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(grpcExchangeHandler).handleExchange(stream)
}

// DialGRPC connects to a worker isolate hosted elsewhere over the network
// (workerType "network"; there is no "auto" workerType that selects it).
// Like any network transport, it always copies binary regions.
func DialGRPC(ctx context.Context, addr string) (*GRPCChannel, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("wchannel: dial %s: %w", addr, err)
	}

	desc := &grpc.StreamDesc{StreamName: "Exchange", ServerStreams: true, ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, exchangeMethod, grpc.CallContentSubtype(envelopeCodecName))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wchannel: open exchange stream: %w", err)
	}

	gc := &GRPCChannel{conn: conn, stream: stream}
	go gc.recvLoop()
	return gc, nil
}

// GRPCChannel is the pool-side (client) end of the network channel.
type GRPCChannel struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	mu       sync.Mutex
	onMsg    func(protocol.Envelope)
	onExit   func(ExitInfo)
	closed   bool
	exitOnce sync.Once
}

func (gc *GRPCChannel) recvLoop() {
	for {
		var env protocol.Envelope
		if err := gc.stream.RecvMsg(&env); err != nil {
			gc.fireExit(err)
			return
		}
		gc.mu.Lock()
		handler := gc.onMsg
		gc.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (gc *GRPCChannel) fireExit(err error) {
	gc.mu.Lock()
	gc.closed = true
	handler := gc.onExit
	gc.mu.Unlock()
	gc.exitOnce.Do(func() {
		info := ExitInfo{}
		if err != nil && err != io.EOF {
			info.Err = err
		}
		if handler != nil {
			handler(info)
		}
	})
}

func (gc *GRPCChannel) OnMessage(fn func(protocol.Envelope)) {
	gc.mu.Lock()
	gc.onMsg = fn
	gc.mu.Unlock()
}

func (gc *GRPCChannel) OnExit(fn func(ExitInfo)) {
	gc.mu.Lock()
	gc.onExit = fn
	gc.mu.Unlock()
}

func (gc *GRPCChannel) Send(env protocol.Envelope) error {
	gc.mu.Lock()
	closed := gc.closed
	gc.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return gc.stream.SendMsg(&env)
}

// SupportsTransfer implements TransferCapable: a network stream always
// serializes and copies.
func (gc *GRPCChannel) SupportsTransfer() bool { return false }

func (gc *GRPCChannel) Terminate(ctx context.Context, force bool) error {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return nil
	}
	gc.mu.Unlock()
	_ = gc.stream.CloseSend()
	return gc.conn.Close()
}

// ServeGRPC accepts worker connections on lis: each new Exchange stream is
// wrapped as a Channel and handed to accept, which is expected to call
// OnMessage/OnExit before returning (mirroring how a real worker wires up
// its dispatcher against any other Channel implementation). Serve runs in
// the background; call Stop on the returned server to shut down.
func ServeGRPC(lis net.Listener, accept func(Channel)) *grpc.Server {
	srv := grpc.NewServer()
	srv.RegisterService(&workerLinkServiceDesc, &grpcServeImpl{accept: accept})
	go func() {
		_ = srv.Serve(lis)
	}()
	return srv
}

type grpcServeImpl struct {
	accept func(Channel)
}

func (g *grpcServeImpl) handleExchange(stream grpc.ServerStream) error {
	sc := &GRPCServerChannel{stream: stream, doneCh: make(chan struct{})}
	g.accept(sc)
	go sc.recvLoop()
	<-sc.doneCh
	return nil
}

// GRPCServerChannel is the worker-side (server) end of the network channel.
type GRPCServerChannel struct {
	stream grpc.ServerStream

	mu       sync.Mutex
	onMsg    func(protocol.Envelope)
	onExit   func(ExitInfo)
	closed   bool
	exitOnce sync.Once
	doneCh   chan struct{}
}

func (sc *GRPCServerChannel) recvLoop() {
	for {
		var env protocol.Envelope
		if err := sc.stream.RecvMsg(&env); err != nil {
			sc.fireExit(err)
			return
		}
		sc.mu.Lock()
		handler := sc.onMsg
		sc.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (sc *GRPCServerChannel) fireExit(err error) {
	sc.mu.Lock()
	sc.closed = true
	handler := sc.onExit
	sc.mu.Unlock()
	sc.exitOnce.Do(func() {
		info := ExitInfo{}
		if err != nil && err != io.EOF {
			info.Err = err
		}
		if handler != nil {
			handler(info)
		}
		close(sc.doneCh)
	})
}

func (sc *GRPCServerChannel) OnMessage(fn func(protocol.Envelope)) {
	sc.mu.Lock()
	sc.onMsg = fn
	sc.mu.Unlock()
}

func (sc *GRPCServerChannel) OnExit(fn func(ExitInfo)) {
	sc.mu.Lock()
	sc.onExit = fn
	sc.mu.Unlock()
}

func (sc *GRPCServerChannel) Send(env protocol.Envelope) error {
	sc.mu.Lock()
	closed := sc.closed
	sc.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return sc.stream.SendMsg(&env)
}

func (sc *GRPCServerChannel) SupportsTransfer() bool { return false }

// Terminate on the server side can only stop relaying and let the stream
// close; it cannot forcibly kill a remote peer process over the network,
// so force is advisory here (unlike ProcessChannel, which can SIGKILL).
func (sc *GRPCServerChannel) Terminate(ctx context.Context, force bool) error {
	sc.fireExit(nil)
	return nil
}
