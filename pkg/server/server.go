// Package server assembles the Bus, Router, Cron Scheduler, Bridge, and
// their shared telemetry/KV/run-scope dependencies into one runtime
// instance. Shutdown publishes SYS::SHUTDOWN, then closes the Bus, Cron,
// Bridge, telemetry, the fiber app (routes and HTTP listener together), and
// the KV store in that order, waiting for each to settle before proceeding.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"google.golang.org/grpc"

	"github.com/relaysys/fabric/pkg/bridge"
	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/cron"
	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/router"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/telemetry/metrics"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
	"github.com/relaysys/fabric/pkg/topology"
)

// Config assembles every sub-service's configuration into one set of
// constructor options, following the teacher/boilerplate convention of
// small typed constructors over ambient global state.
type Config struct {
	Log          log.Config
	Tracer       tracer.Config
	HTTPAddr     string
	GRPCAddr     string
	KVPath       string // bbolt file path; empty uses an in-memory store
	EnableBridge bool
}

// Server owns one assembled runtime instance: Bus, Router, Cron Scheduler,
// optional Bridge, and the underlying fiber/gRPC listeners.
type Server struct {
	cfg Config

	Logger log.Logger
	Tracer tracer.Tracer
	Store  kv.Store
	Runs   *runscope.Manager
	Bus    *bus.Bus
	Router *router.Router
	Cron   *cron.Scheduler
	Graph  *topology.Graph
	Bridge *bridge.Host
	Client *bridge.Client
	Fiber  *fiber.App
	GRPC   *grpc.Server

	httpStarted bool
}

// New assembles every sub-service from cfg but does not start listening.
func New(cfg Config) (*Server, error) {
	logger := log.New(cfg.Log)

	tr, err := tracer.New(cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("server: building tracer: %w", err)
	}

	var store kv.Store
	if cfg.KVPath != "" {
		boltStore, err := kv.NewBoltStore(cfg.KVPath)
		if err != nil {
			return nil, fmt.Errorf("server: opening kv store: %w", err)
		}
		store = boltStore
	} else {
		store = kv.NewMemStore()
	}

	runs := runscope.NewManager(store)

	var remote bus.RemoteInvoker
	var bridgeClient *bridge.Client
	registry := bridge.NewRegistry()
	if cfg.EnableBridge {
		bridgeClient = bridge.NewClient(logger, tr, registry)
		remote = bridgeClient
	}

	b := bus.New(logger, tr, store, runs, remote)

	app := fiber.New(fiber.Config{
		AppName:      "fabric",
		ErrorHandler: errorHandler,
	})

	var bridgeHost *bridge.Host
	var grpcServer *grpc.Server
	if cfg.EnableBridge {
		bridgeHost = bridge.NewHost(logger, tr, b, runs, store)
		grpcServer = grpc.NewServer()
		bridgeHost.Serve(grpcServer)
	}

	r := router.New(app, logger, tr, store, runs, b, remote)
	scheduler := cron.New(logger, tr, b, runs)

	return &Server{
		cfg:    cfg,
		Logger: logger,
		Tracer: tr,
		Store:  store,
		Runs:   runs,
		Bus:    b,
		Router: r,
		Cron:   scheduler,
		Graph:  topology.New(),
		Bridge: bridgeHost,
		Client: bridgeClient,
		Fiber:  app,
		GRPC:   grpcServer,
	}, nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// ValidateTopology fails fast if any declared emit has no subscriber
// (spec §4.9), excluding system topics. It rebuilds the graph from the
// Router's registered routes, the Bus's live subscriptions, and the
// Cron scheduler's registered jobs before validating, so callers never
// have to hand-duplicate a route/subscription/job's topic information
// through a second API.
func (s *Server) ValidateTopology() error {
	s.rebuildTopology()
	return s.Graph.Validate()
}

func (s *Server) rebuildTopology() {
	g := topology.New()

	for _, route := range s.Router.Routes() {
		for _, topic := range route.Emits {
			g.DeclareEmit(topic, route.Origin)
		}
	}

	for _, sub := range s.Bus.Subscriptions() {
		for _, topic := range sub.Topics {
			g.DeclareSubscribe(topic, sub.Origin)
		}
		for _, topic := range sub.Emits {
			g.DeclareEmit(topic, sub.Origin)
		}
	}

	for _, job := range s.Cron.Jobs() {
		origin := "cron:" + job.Name
		for _, topic := range job.Emits {
			g.DeclareEmit(topic, origin)
		}
	}

	s.Graph = g
}

// Start begins serving HTTP (and gRPC, if the Bridge is enabled). Blocks
// until the HTTP listener stops.
func (s *Server) Start() error {
	s.httpStarted = true
	s.Cron.Start()
	if s.GRPC != nil && s.cfg.GRPCAddr != "" {
		lis, err := grpcListener(s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("server: grpc listen: %w", err)
		}
		go func() {
			if err := s.GRPC.Serve(lis); err != nil {
				s.Logger.Error("grpc server stopped", err, log.Fields{})
			}
		}()
	}

	s.Fiber.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	return s.Fiber.Listen(s.cfg.HTTPAddr)
}

func grpcListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Stop publishes SYS::SHUTDOWN, then closes the Bus, stops Cron, closes the
// Bridge client and host, closes the tracer, shuts the fiber app down (if
// Start was called), and closes the KV store, in that order, waiting for
// each to settle. The Router has no teardown of its own: its routes stop
// with the fiber app, after telemetry. Open streams are not closed
// explicitly.
func (s *Server) Stop(ctx context.Context, critical bool) error {
	s.Bus.Emit(bus.TopicShutdown, map[string]any{"critical": critical}, bus.EmitOptions{})

	if err := s.Bus.Close(); err != nil {
		s.Logger.Error("bus close failed", err, log.Fields{})
	}

	if err := s.Cron.Stop(); err != nil {
		s.Logger.Error("cron stop failed", err, log.Fields{})
	}

	if s.Client != nil {
		if err := s.Client.Close(); err != nil {
			s.Logger.Error("bridge client close failed", err, log.Fields{})
		}
	}
	if s.Bridge != nil {
		if err := s.Bridge.Stop(); err != nil {
			s.Logger.Error("bridge host stop failed", err, log.Fields{})
		}
	}

	if err := s.Tracer.Close(); err != nil {
		s.Logger.Error("tracer close failed", err, log.Fields{})
	}

	if s.httpStarted {
		if err := s.Fiber.ShutdownWithContext(ctx); err != nil {
			return fmt.Errorf("server: http shutdown: %w", err)
		}
	}

	return s.Store.Close()
}

// WaitForShutdownSignal blocks until ctx is cancelled, then stops the
// server with the given timeout.
func (s *Server) WaitForShutdownSignal(ctx context.Context, timeout time.Duration, critical bool) error {
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(stopCtx, critical)
}
