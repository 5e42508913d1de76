package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juant72/sniperforge-sub011/internal/controller"
	"github.com/juant72/sniperforge-sub011/internal/resource"
	"github.com/juant72/sniperforge-sub011/internal/validator"
	"github.com/juant72/sniperforge-sub011/pkg/observability"
)

// HotReloader refreshes any config that changed on disk and applies it to
// running bots, honoring RequiresRestart by staging a stop/start. It is
// cheap when nothing has changed (§4.5/§4.7).
type HotReloader interface {
	HotReloadConfigs(ctx context.Context) error
}

// Server is the C7 framed TCP transport. Each connection is handled by its
// own goroutine; dispatch into the controller is serialised per bot by the
// controller's own actor, so the server applies no additional ordering
// across connections (§4.7 "Concurrency").
type Server struct {
	ctrl        *controller.Controller
	reloader    HotReloader
	logger      *observability.Logger
	idleTimeout time.Duration

	listener net.Listener
	httpSrv  *http.Server

	mu       sync.Mutex
	shutdown bool
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server bound to neither socket yet; call ServeTCP and
// ServeHTTP (each blocks, so run them in their own goroutines) to start
// accepting connections.
func NewServer(ctrl *controller.Controller, reloader HotReloader, logger *observability.Logger, idleTimeout time.Duration) *Server {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Server{
		ctrl:        ctrl,
		reloader:    reloader,
		logger:      logger,
		idleTimeout: idleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

// ServeTCP accepts connections on addr until ctx is cancelled or Shutdown
// is called. Each connection is framed newline-delimited JSON (§4.7).
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info(ctx, "control-plane TCP listening", map[string]interface{}{"address": addr})

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.shutdown
			s.mu.Unlock()
			if shuttingDown || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("controlplane: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineLength)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if !scanner.Scan() {
			return // idle timeout, EOF, or client disconnect -- close only this connection
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if s.reloader != nil {
			if err := s.reloader.HotReloadConfigs(ctx); err != nil {
				s.logger.Warn(ctx, "hot reload failed", map[string]interface{}{"error": err.Error()})
			}
		}

		var probe Request
		malformed := decodeRequest(line, &probe) != nil

		resp := s.dispatch(ctx, line)
		data, err := encode(resp)
		if err != nil {
			s.logger.Error(ctx, "encode response", err, nil)
			return
		}
		if _, err := conn.Write(data); err != nil {
			return // mid-dispatch disconnect: response is simply dropped (§4.7)
		}
		if resp.Type == "shutdown-ack" || malformed {
			return // a malformed line (ProtocolError) closes only this connection
		}
	}
}

// dispatch decodes one request line and routes it to the controller. A
// malformed line yields an Error response, after which handleConn closes
// only the offending connection (ProtocolError, §7); dispatch itself never
// panics the connection handler because every path returns a Response value.
func (s *Server) dispatch(ctx context.Context, line []byte) Response {
	var req Request
	if err := decodeRequest(line, &req); err != nil {
		return errorResponse(fmt.Errorf("protocol error: %w", err))
	}

	switch req.Op {
	case "Ping":
		return Response{Type: respPong}

	case "ListBots":
		return Response{Type: respBotList, Bots: s.ctrl.ListBots()}

	case "CreateBot":
		id, err := s.ctrl.CreateBot(req.Kind, []byte(req.Config), resource.Reservation{CPU: req.CPU, Memory: req.Memory})
		if err != nil {
			return errorResponse(err)
		}
		return Response{Type: respBotCreated, ID: id}

	case "StartBot":
		if err := s.ctrl.StartBot(ctx, req.ID, []byte(req.Config)); err != nil {
			return errorResponse(err)
		}
		return Response{Type: respBotStarted, ID: req.ID}

	case "StopBot":
		if err := s.ctrl.StopBot(req.ID); err != nil {
			return errorResponse(err)
		}
		return Response{Type: respBotStopped, ID: req.ID}

	case "GetBotStatus":
		lifecycle, err := s.ctrl.GetStatus(req.ID)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Type: respBotStatus, ID: req.ID, Lifecycle: lifecycle}

	case "GetBotMetrics":
		m, err := s.ctrl.GetMetrics(req.ID)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Type: respBotMetrics, ID: req.ID, Metrics: &m}

	case "GetMetricsHistory":
		window := time.Duration(req.Hours * float64(time.Hour))
		history, err := s.ctrl.MetricsHistory(req.ID, window)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Type: respMetricsHistory, ID: req.ID, MetricsHistory: history}

	case "GetSystemMetrics", "GetSystemState":
		snap := s.ctrl.GetSystemMetrics()
		return Response{Type: respSystemMetrics, System: &snap}

	case "CreateBackup":
		path, err := s.ctrl.CreateBackup()
		if err != nil {
			return errorResponse(err)
		}
		return Response{Type: respBackupCreated, Path: path}

	case "ForceSave":
		if err := s.ctrl.ForceSave(); err != nil {
			return errorResponse(err)
		}
		return successResponse("saved")

	case "StartAllBots":
		result := s.ctrl.StartAll(ctx)
		return Response{Type: respMassControl, Mass: &result}

	case "StopAllBots":
		result := s.ctrl.StopAll()
		return Response{Type: respMassControl, Mass: &result}

	case "GetResourceStatus":
		status := s.ctrl.GetResourceStatus()
		return Response{Type: respResourceStatus, Resource: &status}

	case "Shutdown":
		go s.Shutdown(context.Background())
		return Response{Type: "shutdown-ack", Message: "shutting down"}

	default:
		return errorResponse(fmt.Errorf("protocol error: unknown op %q", req.Op))
	}
}

// Shutdown initiates orderly shutdown (§4.7): stop accepting new
// connections, allow in-flight commands to complete, stop_all with a
// bounded budget, force_save.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()

	s.ctrl.StopAll()
	_ = s.ctrl.ForceSave()
}

// ServeHTTP serves /metrics and /healthz on addr, the ambient observability
// surface resolving spec.md §9's orphaned http_port open question
// (SPEC_FULL §4.2): this mux never carries trading operations.
func (s *Server) ServeHTTP(ctx context.Context, addr string, reg *prometheus.Registry) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	s.httpSrv = &http.Server{Addr: addr, Handler: r}
	s.logger.Info(ctx, "ambient HTTP listening", map[string]interface{}{"address": addr})
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func decodeRequest(line []byte, req *Request) error {
	return json.Unmarshal(line, req)
}
