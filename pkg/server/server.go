package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/downfa11-org/mmq/pkg/controller"
	"github.com/downfa11-org/mmq/pkg/cursor"
	"github.com/downfa11-org/mmq/pkg/queue"
	"github.com/downfa11-org/mmq/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maxWorkers  = 1000
	idleTimeout = 5 * time.Minute
)

// Server exposes the text command set over TCP. Every request and response
// is a single length-prefixed frame, gzip compressed when enabled.
type Server struct {
	handler *controller.CommandHandler
	gzip    bool
	logger  *zap.Logger
}

func New(q *queue.Queue[[]byte], cursors *cursor.Store, enableGzip bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = util.Logger()
	}
	return &Server{
		handler: controller.NewCommandHandler(q, cursors),
		gzip:    enableGzip,
		logger:  logger.Named("command"),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done, then closes ln and
// every open connection. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("command endpoint listening", zap.Stringer("addr", ln.Addr()), zap.Bool("gzip", s.gzip))
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return g.Wait()
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		g.Go(func() error {
			s.HandleConnection(ctx, conn)
			return nil
		})
	}
}

// HandleConnection runs the request loop for one client until it
// disconnects, idles out or ctx is done.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cc := controller.NewClientContext("tcp", s.handler.Queue.Log().OldestOffset())
	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		frame, err := util.ReadWithLength(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug("read request", zap.Error(err))
			}
			return
		}
		data, err := DecompressMessage(frame, s.gzip)
		if err != nil {
			logger.Warn("decompress request", zap.Error(err))
			return
		}

		resp := s.handler.HandleCommand(ctx, strings.TrimSpace(string(data)), cc)
		out, err := CompressMessage([]byte(resp), s.gzip)
		if err != nil {
			logger.Error("compress response", zap.Error(err))
			return
		}
		if err := util.WriteWithLength(conn, out); err != nil {
			logger.Debug("write response", zap.Error(err))
			return
		}
	}
}
