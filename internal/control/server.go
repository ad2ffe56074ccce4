package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeonglow/buildbot/internal/logging"
	"github.com/zeonglow/buildbot/internal/worker"
)

// Fleet is the subset of *fleet.Fleet the server drives.
type Fleet interface {
	Workers() []*worker.VMWorker
	Worker(name string) (*worker.VMWorker, error)
	Dispatch(ctx context.Context) (*worker.VMWorker, bool)
}

// Server answers control requests for one fleet.
type Server struct {
	fleet       Fleet
	logger      *slog.Logger
	readTimeout time.Duration
}

func NewServer(f Fleet, logger *slog.Logger) *Server {
	return &Server{
		fleet:       f,
		logger:      logging.Ensure(logger).With(logging.ComponentKey, "control"),
		readTimeout: 30 * time.Second,
	}
}

// Listen creates the unix socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx ends. Each connection carries one
// request and one response.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("invalid control request", "error", err)
		_ = json.NewEncoder(conn).Encode(Response{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	resp := s.Handle(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("failed to write control response", "command", string(req.Command), "error", err)
	}
}

// Handle executes one request.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	logger := s.logger.With("command", string(req.Command))
	data, err := s.handle(ctx, req)
	if err != nil {
		logger.Warn("control request failed", "worker", req.Worker, "error", err)
		return Response{Error: err.Error()}
	}
	logger.Debug("control request handled", "worker", req.Worker)

	resp := Response{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Response{Error: fmt.Sprintf("encode response: %v", err)}
		}
		resp.Data = raw
	}
	return resp
}

func (s *Server) handle(ctx context.Context, req Request) (any, error) {
	switch req.Command {
	case CommandList:
		workers := s.fleet.Workers()
		out := make([]WorkerStatus, 0, len(workers))
		for _, w := range workers {
			out = append(out, statusFromWorker(w.Status(), w.CanStartBuild()))
		}
		return out, nil

	case CommandDispatch:
		w, ok := s.fleet.Dispatch(ctx)
		if !ok {
			return nil, errors.New("no worker available")
		}
		return DispatchResult{Worker: w.Name()}, nil

	case CommandAttach, CommandDetach, CommandStop:
		w, err := s.fleet.Worker(req.Worker)
		if err != nil {
			return nil, err
		}
		switch req.Command {
		case CommandAttach:
			w.Attached()
		case CommandDetach:
			w.Detached()
		default:
			if err := w.StopInstance(ctx, req.Fast); err != nil {
				return nil, err
			}
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}
