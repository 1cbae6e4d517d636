// Package server serves data-distribution sessions, gRPC introspection,
// and HTTP diagnostics of a Participant over a single bound TCP socket.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/soheilhy/cmux"
	"go.gazette.dev/dds/participant"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/session"
	"go.gazette.dev/dds/task"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Server bundles data-distribution, gRPC, and HTTP servers, multiplexed over
// a single bound TCP socket (using CMux).
type Server struct {
	// RawListener is the bound TCP listener of the Server.
	RawListener *net.TCPListener
	// CMux wraps RawListener to provide connection protocol multiplexing over
	// a single bound socket.
	CMux cmux.CMux
	// DDSListener is a CMux Listener for session connections of remote
	// writers, which begin with the frame magic word.
	DDSListener net.Listener
	// GRPCListener is a CMux Listener for gRPC connections.
	GRPCListener net.Listener
	// HTTPListener is a CMux Listener for HTTP connections.
	HTTPListener net.Listener
	// HTTPMux is the http.ServeMux which is served by QueueTasks.
	HTTPMux *http.ServeMux
	// GRPCServer is the gRPC server mux which is served by QueueTasks.
	GRPCServer *grpc.Server
	// Ctx is cancelled when the Server is stopping.
	Ctx context.Context

	cancel context.CancelFunc
}

// New builds and returns a Server of the given TCP network interface |iface|
// and |port|. |port| may be zero, in which case a random free port is assigned.
func New(iface string, port uint16) (*Server, error) {
	var addr = fmt.Sprintf("%s:%d", iface, port)

	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind service address (%s)", addr)
	}
	var ctx, cancel = context.WithCancel(context.Background())

	var srv = &Server{
		HTTPMux: http.DefaultServeMux,
		GRPCServer: grpc.NewServer(
			grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
			grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		),
		RawListener: raw.(*net.TCPListener),
		Ctx:         ctx,
		cancel:      cancel,
	}
	srv.CMux = cmux.New(session.KeepAliveListener{TCPListener: srv.RawListener})

	srv.CMux.HandleError(func(err error) bool {
		if _, ok := err.(net.Error); !ok {
			log.WithField("err", err).Warn("failed to CMux client connection to a listener")
		}
		return true // Continue serving RawListener.
	})

	// Sessions are matched first, by the magic word which opens each frame.
	srv.DDSListener = srv.CMux.Match(matchMagicWord)
	// GRPCListener sniffs for HTTP/2 in-the-clear connections which have
	// "Content-Type: application/grpc". Note this matcher will send an initial
	// empty SETTINGS frame to the client, as gRPC clients delay the first
	// request until the HTTP/2 handshake has completed.
	srv.GRPCListener = srv.CMux.MatchWithWriters(
		cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	// Connections sending HTTP/1 verbs (GET, PUT, POST etc) are assumed to be HTTP.
	srv.HTTPListener = srv.CMux.Match(cmux.HTTP1Fast())

	return srv, nil
}

// Addr is the bound "host:port" address of the Server.
func (s *Server) Addr() string { return s.RawListener.Addr().String() }

// QueueTasks serving the CMux, sessions of Participant |p|, HTTP, and gRPC
// component servers onto the task.Group. Services must be registered with
// GRPCServer before QueueTasks is called.
func (s *Server) QueueTasks(tg *task.Group, p *participant.Participant) {
	grpc_prometheus.Register(s.GRPCServer)

	tg.Queue("CMux.Serve", func() error {
		if err := s.CMux.Serve(); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after graceful stop.
	})
	tg.Queue("participant.Serve", func() error {
		return p.Serve(s.Ctx, s.DDSListener)
	})
	tg.Queue("http.Serve", func() error {
		if err := http.Serve(s.HTTPListener, s.HTTPMux); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after graceful stop.
	})
	tg.Queue("GRPCServer.Serve", func() error {
		if err := s.GRPCServer.Serve(s.GRPCListener); err != grpc.ErrServerStopped && s.Ctx.Err() == nil {
			return err
		}
		return nil
	})
	tg.Queue("GRPCServer.GracefulStop", func() error {
		<-tg.Context().Done() // Block until task.Group is cancelled.

		// Cancel |s.Ctx| so Serve loops recognize this as a graceful closure.
		s.cancel()

		s.GRPCServer.GracefulStop()
		return s.RawListener.Close()
	})
}

// GRPCLoopback dials and returns a connection to the local gRPC server.
func (s *Server) GRPCLoopback() (*grpc.ClientConn, error) {
	return grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// MustGRPCLoopback dials and returns a connection to the local gRPC server,
// and panics on error.
func (s *Server) MustGRPCLoopback() *grpc.ClientConn {
	if cc, err := s.GRPCLoopback(); err != nil {
		panic(err)
	} else {
		return cc
	}
}

func matchMagicWord(r io.Reader) bool {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false
	}
	return pb.MatchesMagicWord(b[:])
}
