// Package bridge implements the polyglot RPC bridge: a host-side gRPC
// server exposing Invoker and ControlPlane to remote handler processes, and
// a dial-side client the Bus and Router use (via bus.RemoteInvoker) to call
// into those handlers, with health-aware endpoint selection, file-based
// discovery refresh, and TLS credential caching.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaysys/fabric/pkg/bridge/proto"
	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/telemetry/metrics"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
)

// TLSConfig is the per-endpoint/binding TLS material.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
	Insecure bool
}

// Endpoint is one dial target a handler or registry entry may be reached
// at.
type Endpoint struct {
	Target    string
	Metadata  map[string]string
	TimeoutMs int
	BackoffMs int
	TLS       TLSConfig
}

// Binding names the handler/method a route or subscription invokes and any
// endpoint overrides specific to that binding.
type Binding struct {
	HandlerName string
	Endpoints   []Endpoint
	Metadata    map[string]string
}

// Registry holds static + discovered endpoints per registry key (typically
// the handler name), plus per-binding overrides.
type Registry struct {
	mu         sync.RWMutex
	endpoints  map[string][]Endpoint
	discovered map[string][]Endpoint
	metadata   map[string]map[string]string
	bindings   map[string]Binding
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints:  map[string][]Endpoint{},
		discovered: map[string][]Endpoint{},
		metadata:   map[string]map[string]string{},
		bindings:   map[string]Binding{},
	}
}

// SetEndpoints declares the static endpoint list for key.
func (r *Registry) SetEndpoints(key string, endpoints []Endpoint, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[key] = endpoints
	r.metadata[key] = metadata
}

// SetDiscovered replaces the discovered endpoint list for key, called by
// the discovery poll loop.
func (r *Registry) SetDiscovered(key string, endpoints []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered[key] = endpoints
}

// Bind records a binding's handler-specific endpoint overrides.
func (r *Registry) Bind(key string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = b
}

// candidates returns every endpoint registered for key, along with the
// registry- and binding-level metadata layers. Each endpoint's own
// Metadata (e.g. discovered-endpoint metadata from pkg/bridge/discovery.go)
// is carried on the Endpoint itself and merged per-selected-endpoint by the
// caller, since "endpoint" sits between "registry" and "binding" in spec
// §4.5 step 4's precedence order and can only be resolved once a single
// endpoint has been chosen.
func (r *Registry) candidates(key string) (endpoints []Endpoint, registryMeta, bindingMeta map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints = append(endpoints, r.endpoints[key]...)
	endpoints = append(endpoints, r.discovered[key]...)

	registryMeta = r.metadata[key]
	if b, ok := r.bindings[key]; ok {
		endpoints = append(endpoints, b.Endpoints...)
		bindingMeta = b.Metadata
	}
	return endpoints, registryMeta, bindingMeta
}

func mergeMeta(registry, endpoint, binding map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range registry {
		out[k] = v
	}
	for k, v := range endpoint {
		out[k] = v
	}
	for k, v := range binding {
		out[k] = v
	}
	return out
}

// HandlerContext is what a hosted local handler module receives on
// invocation.
type HandlerContext struct {
	Logger log.Logger
	KV     *kv.Path
	Run    *runscope.Scope
	Emit   bus.EmitFunc
}

// HandlerFunc implements one hosted handler module's invoke entry point.
type HandlerFunc func(ctx context.Context, method string, input map[string]any, meta map[string]string, hc *HandlerContext) (map[string]any, error)

// Host exposes Invoker and ControlPlane to remote callers over gRPC and
// dispatches onto locally registered handler modules.
type Host struct {
	logger log.Logger
	tracer tracer.Tracer
	bus    *bus.Bus
	runs   *runscope.Manager
	kvPath *kv.Path
	server *grpc.Server

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHost builds a Host bound to the given bus/run-scope/kv.
func NewHost(logger log.Logger, tr tracer.Tracer, b *bus.Bus, runs *runscope.Manager, store kv.Store) *Host {
	return &Host{
		logger:   log.WithComponent(logger, "bridge.host"),
		tracer:   tr,
		bus:      b,
		runs:     runs,
		kvPath:   kv.NewPath(store),
		handlers: map[string]HandlerFunc{},
	}
}

// RegisterHandler makes fn reachable under name via Invoker.Invoke.
func (h *Host) RegisterHandler(name string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// Serve registers Invoker and ControlPlane on server. It does not start
// listening; the caller runs server.Serve.
func (h *Host) Serve(server *grpc.Server) {
	h.server = server
	proto.RegisterInvokerServer(server, h)
	proto.RegisterControlPlaneServer(server, h)
}

// Stop gracefully stops the underlying gRPC server, if Serve was called.
func (h *Host) Stop() error {
	if h.server != nil {
		h.server.GracefulStop()
	}
	return nil
}

// Invoke implements proto.InvokerServer.
func (h *Host) Invoke(ctx context.Context, req *proto.InvokeRequest) (*proto.InvokeResponse, error) {
	timer := metrics.NewTimer()

	h.mu.RLock()
	fn, ok := h.handlers[req.HandlerName]
	h.mu.RUnlock()
	if !ok {
		metrics.BridgeInvokeTotal.WithLabelValues(req.HandlerName, req.Method, codes.NotFound.String()).Inc()
		return nil, status.Errorf(codes.NotFound, "bridge: no handler registered for %q", req.HandlerName)
	}

	meta := make(map[string]string, len(req.Meta))
	for k, v := range req.Meta {
		meta[k] = fmt.Sprint(v.ToAny())
	}

	scope := h.runs.Get(meta["run_id"])
	if scope == nil {
		created, err := h.runs.CreateRun()
		if err != nil {
			metrics.BridgeInvokeTotal.WithLabelValues(req.HandlerName, req.Method, codes.Internal.String()).Inc()
			return nil, status.Errorf(codes.Internal, "bridge: failed to create run scope: %v", err)
		}
		scope = created
		defer h.runs.Release(scope.ID)
	}

	span, ctx := h.tracer.StartSpan(ctx, "bridge invoke "+req.HandlerName+"."+req.Method)
	span.SetTag("bridge.handler", req.HandlerName)
	span.SetTag("bridge.method", req.Method)
	defer span.Finish()

	hc := &HandlerContext{
		Logger: log.WithRunID(h.logger, scope.ID),
		KV:     h.kvPath,
		Run:    scope,
		Emit: func(topic string, data any) {
			h.bus.Emit(topic, data, bus.EmitOptions{Run: scope})
		},
	}

	out, err := fn(ctx, req.Method, proto.ValuesToMap(req.Input), meta, hc)
	elapsed := timer.Elapsed()
	if err != nil {
		span.RecordError(err)
		metrics.BridgeInvokeTotal.WithLabelValues(req.HandlerName, req.Method, codes.Internal.String()).Inc()
		return &proto.InvokeResponse{
			Correlation: req.Correlation,
			Status:      proto.Status{Code: int32(codes.Internal), Message: err.Error()},
		}, nil
	}

	h.logger.Debug("bridge invoke completed", log.Fields{"handler": req.HandlerName, "method": req.Method, "elapsed_ms": elapsed.Milliseconds()})
	metrics.BridgeInvokeTotal.WithLabelValues(req.HandlerName, req.Method, codes.OK.String()).Inc()
	return &proto.InvokeResponse{
		Correlation: req.Correlation,
		Status:      proto.Status{Code: int32(codes.OK)},
		Output:      proto.MapToValues(out),
	}, nil
}

// retryableCodes are the gRPC status codes that trigger endpoint failover
// rather than aborting the invocation.
var retryableCodes = map[codes.Code]bool{
	codes.Unavailable:      true,
	codes.DeadlineExceeded: true,
	codes.Canceled:         true,
	codes.Unknown:          true,
}

// Client dials outbound endpoints on demand, caching connections and TLS
// credentials, and fails over across registry/discovery/binding endpoints
// on retryable errors.
type Client struct {
	logger   log.Logger
	tracer   tracer.Tracer
	registry *Registry
	creds    *credentialCache

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	health map[string]*endpointHealth
}

type endpointHealth struct {
	healthy     bool
	lastFailure time.Time
}

// NewClient builds a Client bound to registry.
func NewClient(logger log.Logger, tr tracer.Tracer, registry *Registry) *Client {
	return &Client{
		logger:   log.WithComponent(logger, "bridge.client"),
		tracer:   tr,
		registry: registry,
		creds:    newCredentialCache(),
		conns:    map[string]*grpc.ClientConn{},
		health:   map[string]*endpointHealth{},
	}
}

var _ bus.RemoteInvoker = (*Client)(nil)

// Invoke implements bus.RemoteInvoker, selecting the first healthy
// (or, absent any, any) endpoint outside its backoff window, marking
// failures and retrying on retryable codes.
func (c *Client) Invoke(ctx context.Context, handlerName, method string, meta map[string]string, input map[string]any) (map[string]any, error) {
	timer := metrics.NewTimer()
	endpoints, registryMeta, bindingMeta := c.registry.candidates(handlerName)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("bridge: no endpoints registered for handler %q", handlerName)
	}

	ordered := c.orderBySelection(handlerName, endpoints)

	var lastErr error
	for _, ep := range ordered {
		conn, err := c.dial(ctx, ep)
		if err != nil {
			lastErr = err
			c.markUnhealthy(handlerName, ep)
			continue
		}

		// binding > endpoint > registry (spec §4.5 step 4), with the
		// caller-supplied meta (run id, trace context, route info) layered
		// on top as the most specific values.
		mergedMeta := mergeMeta(registryMeta, ep.Metadata, bindingMeta)
		for k, v := range meta {
			mergedMeta[k] = v
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if ep.TimeoutMs > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(ep.TimeoutMs)*time.Millisecond)
		}

		req := &proto.InvokeRequest{
			HandlerName: handlerName,
			Method:      method,
			Meta:        proto.StringMapToValues(mergedMeta),
			Input:       proto.MapToValues(input),
		}
		client := proto.NewInvokerClient(conn)
		resp, err := client.Invoke(callCtx, req, grpc.CallContentSubtype(proto.CodecName))
		if cancel != nil {
			cancel()
		}
		if err != nil {
			st, _ := status.FromError(err)
			if retryableCodes[st.Code()] {
				c.markUnhealthy(handlerName, ep)
				lastErr = err
				continue
			}
			metrics.BridgeInvokeTotal.WithLabelValues(handlerName, method, st.Code().String()).Inc()
			return nil, err
		}

		c.markHealthy(handlerName, ep)
		metrics.BridgeInvokeTotal.WithLabelValues(handlerName, method, codes.OK.String()).Inc()
		c.logger.Debug("bridge client invoke completed", log.Fields{"handler": handlerName, "method": method, "target": ep.Target, "elapsed_ms": timer.Elapsed().Milliseconds()})

		if resp.Status.Code != int32(codes.OK) {
			return nil, fmt.Errorf("bridge: handler %q returned %s", handlerName, resp.Status.Message)
		}
		return proto.ValuesToMap(resp.Output), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("bridge: all endpoints for %q exhausted", handlerName)
	}
	return nil, lastErr
}

// orderBySelection filters by health (healthy endpoints first), excludes
// endpoints still inside their backoff window unless that would leave
// nothing to try, and returns the resulting order.
func (c *Client) orderBySelection(handlerName string, endpoints []Endpoint) []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var healthy, unhealthy []Endpoint
	for _, ep := range endpoints {
		key := handlerName + "|" + ep.Target
		h, ok := c.health[key]
		if !ok || h.healthy {
			healthy = append(healthy, ep)
			continue
		}

		backoff := time.Duration(ep.BackoffMs) * time.Millisecond
		if backoff == 0 {
			backoff = 30 * time.Second
		}
		if time.Since(h.lastFailure) >= backoff {
			healthy = append(healthy, ep)
		} else {
			unhealthy = append(unhealthy, ep)
		}
	}

	if len(healthy) > 0 {
		return healthy
	}
	return unhealthy
}

func (c *Client) markHealthy(handlerName string, ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[handlerName+"|"+ep.Target] = &endpointHealth{healthy: true}
	metrics.BridgeEndpointHealthy.WithLabelValues(handlerName, ep.Target).Set(1)
}

func (c *Client) markUnhealthy(handlerName string, ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[handlerName+"|"+ep.Target] = &endpointHealth{healthy: false, lastFailure: time.Now()}
	metrics.BridgeEndpointHealthy.WithLabelValues(handlerName, ep.Target).Set(0)
}

func (c *Client) dial(ctx context.Context, ep Endpoint) (*grpc.ClientConn, error) {
	creds, credKey, err := c.creds.get(ep.TLS)
	if err != nil {
		return nil, err
	}

	cacheKey := ep.Target + "|" + credKey
	c.mu.Lock()
	if conn, ok := c.conns[cacheKey]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := grpc.NewClient(ep.Target, grpc.WithTransportCredentials(creds), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proto.CodecName)))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conns[cacheKey] = conn
	c.mu.Unlock()
	return conn, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.conns = map[string]*grpc.ClientConn{}
	return firstErr
}
