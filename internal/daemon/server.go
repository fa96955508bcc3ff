package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/Aman-CERP/cardindex/internal/logging"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// Handler serves the admin RPC methods.
type Handler interface {
	Enqueue(ctx context.Context, params EnqueueParams) (EnqueueResult, error)
	RetryList(ctx context.Context) []pipeline.RetryEntry
	RetryDelete(ctx context.Context, id pipeline.Identity) bool
	RetryRun(ctx context.Context) (pipeline.RetrySummary, error)
	DeadList(ctx context.Context) []pipeline.DeadEntry
	DeadDelete(ctx context.Context, id pipeline.Identity) bool
	ExpireRun(ctx context.Context) ([]pipeline.DeadEntry, error)
	Search(ctx context.Context, params SearchParams) ([]store.SearchResult, error)
	Card(ctx context.Context, participantID string) (*store.Document, error)
	Status(ctx context.Context) StatusResult
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    Handler
	logger     *slog.Logger
	started    time.Time
	ready      chan struct{}

	timeout      time.Duration
	sweepTimeout time.Duration

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string, logger *slog.Logger) (*Server, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path cannot be empty")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		socketPath:   socketPath,
		logger:       logger,
		timeout:      30 * time.Second,
		sweepTimeout: DefaultSweepTimeout,
		ready:        make(chan struct{}),
	}, nil
}

// SetTimeouts sets the connection deadline for ordinary calls and for
// sweeps. Non-positive values keep the current setting.
func (s *Server) SetTimeouts(timeout, sweepTimeout time.Duration) {
	if timeout > 0 {
		s.timeout = timeout
	}
	if sweepTimeout > 0 {
		s.sweepTimeout = sweepTimeout
	}
}

// SetHandler sets the request handler.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAndServe starts the server and blocks until context is cancelled.
// In-flight requests finish before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.started = time.Now()

	// Clean up socket on exit
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.logger.Info("server_listening", slog.String("socket", s.socketPath))
	close(s.ready)

	// Handle shutdown
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Wait for active connections to finish
	s.wg.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.logger.Warn("set_deadline_failed", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		resp := NewErrorResponse("", ErrCodeParseError, "failed to parse request")
		_ = encoder.Encode(resp)
		return
	}

	if d := callTimeout(req.Method, s.timeout, s.sweepTimeout); d != s.timeout {
		if err := conn.SetDeadline(time.Now().Add(d)); err != nil {
			s.logger.Warn("set_deadline_failed", slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	resp := s.handleRequest(ctx, req)
	if resp.Error != nil {
		s.logger.Warn("rpc_failed",
			slog.String("method", req.Method),
			slog.Int("code", resp.Error.Code),
			slog.String("error", resp.Error.Message))
	} else {
		s.logger.Debug("rpc_served",
			slog.String("method", req.Method),
			slog.Duration("took", time.Since(start)))
	}
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.Method == MethodPing {
		return NewSuccessResponse(req.ID, PingResult{Pong: true})
	}
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	switch req.Method {
	case MethodStatus:
		status := s.handler.Status(ctx)
		status.Running = true
		status.PID = os.Getpid()
		status.Uptime = time.Since(s.started).Round(time.Second).String()
		return NewSuccessResponse(req.ID, status)

	case MethodEnqueue:
		var params EnqueueParams
		if err := decodeParams(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
		}
		if err := params.Validate(); err != nil {
			return errorResponse(req.ID, err)
		}
		res, err := s.handler.Enqueue(ctx, params)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return NewSuccessResponse(req.ID, res)

	case MethodRetryList:
		return NewSuccessResponse(req.ID, s.handler.RetryList(ctx))

	case MethodDeadList:
		return NewSuccessResponse(req.ID, s.handler.DeadList(ctx))

	case MethodRetryDel, MethodDeadDel:
		var params IdentityParams
		if err := decodeParams(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
		}
		id, err := params.Identity()
		if err != nil {
			return errorResponse(req.ID, err)
		}
		var deleted bool
		if req.Method == MethodRetryDel {
			deleted = s.handler.RetryDelete(ctx, id)
		} else {
			deleted = s.handler.DeadDelete(ctx, id)
		}
		return NewSuccessResponse(req.ID, DeleteResult{Deleted: deleted})

	case MethodRetryRun:
		sum, err := s.handler.RetryRun(ctx)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return NewSuccessResponse(req.ID, sum)

	case MethodExpireRun:
		expired, err := s.handler.ExpireRun(ctx)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return NewSuccessResponse(req.ID, ExpireResult{Expired: expired})

	case MethodSearch:
		var params SearchParams
		if err := decodeParams(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
		}
		if err := params.Validate(); err != nil {
			return errorResponse(req.ID, err)
		}
		results, err := s.handler.Search(ctx, params)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return NewSuccessResponse(req.ID, results)

	case MethodCardGet:
		var params CardParams
		if err := decodeParams(req.Params, &params); err != nil || params.ParticipantID == "" {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, "participant_id is required")
		}
		doc, err := s.handler.Card(ctx, params.ParticipantID)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return NewSuccessResponse(req.ID, doc)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
