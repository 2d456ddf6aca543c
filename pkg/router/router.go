// Package router binds route configurations to HTTP methods/paths atop
// gofiber/fiber, translating requests onto the common handler contract
// shared with cron and reactive handlers, validating bodies/queries/
// responses against declared schemas, and emitting the same telemetry
// spans and metrics the rest of the runtime produces.
package router

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/schema"
	"github.com/relaysys/fabric/pkg/stream"
	"github.com/relaysys/fabric/pkg/telemetry/metrics"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
)

// Type is a route's content-handling style.
type Type string

const (
	TypeAPI  Type = "api"
	TypeHTTP Type = "http"
	TypeSSE  Type = "sse"
)

// HandlerKind is where a route's logic lives.
type HandlerKind string

const (
	KindLocal  HandlerKind = "local"
	KindGRPC   HandlerKind = "grpc"
	KindStatic HandlerKind = "static"
)

// Request is the inbound data passed to a local handler.
type Request struct {
	Method  string
	Path    string
	URL     string
	Body    any
	Query   map[string]any
	Params  map[string]string
	Headers map[string]string
	User    any
}

// Result is what a local or grpc-translated handler produces.
type Result struct {
	Status  int
	Body    any
	MIME    string
	Headers map[string]string
}

// HandlerContext is what a local handler receives alongside the request.
type HandlerContext struct {
	Logger log.Logger
	KV     *kv.Path
	Run    *runscope.Scope
	Emit   bus.EmitFunc
	Span   tracer.Span
	Stream *stream.Stream
}

// LocalHandlerFunc implements a route whose Kind is KindLocal.
type LocalHandlerFunc func(ctx context.Context, req *Request, hc *HandlerContext) (*Result, error)

// Route describes one registered endpoint.
type Route struct {
	Method string
	Path   string
	Type   Type
	Kind   HandlerKind
	Strict bool
	Emits  []string
	Origin string

	BodySchema     schema.Schema
	QuerySchema    schema.Schema
	ResponseSchema schema.ByStatus

	Handler LocalHandlerFunc
	Remote  bus.RemoteBinding

	StaticRoot string

	Middleware []fiber.Handler
}

// Router owns fiber route registration and dispatch.
type Router struct {
	app    *fiber.App
	logger log.Logger
	tracer tracer.Tracer
	runs   *runscope.Manager
	kvPath *kv.Path
	bus    *bus.Bus
	remote bus.RemoteInvoker

	routes []Route
}

// New wires a Router atop app. remote may be nil if no route declares
// Kind=KindGRPC.
func New(app *fiber.App, logger log.Logger, tr tracer.Tracer, store kv.Store, runs *runscope.Manager, b *bus.Bus, remote bus.RemoteInvoker) *Router {
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("initiated", time.Now())
		return c.Next()
	})

	return &Router{
		app:    app,
		logger: log.WithComponent(logger, "router"),
		tracer: tr,
		runs:   runs,
		kvPath: kv.NewPath(store),
		bus:    b,
		remote: remote,
	}
}

// Register binds route to the fiber app and records it for topology
// introspection.
func (r *Router) Register(route Route) error {
	if route.Method == "" || route.Path == "" {
		return fmt.Errorf("router: route requires method and path")
	}
	if route.Origin == "" {
		route.Origin = fmt.Sprintf("route:%s %s", route.Method, route.Path)
	}

	handler := r.dispatch(route)
	handlers := append(append([]fiber.Handler{}, route.Middleware...), handler)
	r.app.Add(route.Method, route.Path, handlers...)

	r.routes = append(r.routes, route)
	return nil
}

// Routes returns every registered route, for topology introspection.
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

func (r *Router) dispatch(route Route) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		initiated, _ := c.Locals("initiated").(time.Time)
		if initiated.IsZero() {
			initiated = start
		}

		scope, err := r.runs.CreateRun()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create run scope"})
		}
		defer r.runs.Release(scope.ID)

		spanName := fmt.Sprintf("%s %s", route.Method, route.Path)
		span, ctx := r.tracer.StartSpan(c.Context(), spanName)
		span.SetTag("http.request.method", route.Method)
		span.SetTag("url.scheme", c.Protocol())
		span.SetTag("server.address", c.Hostname())
		span.SetTag("url.path", c.Path())
		span.SetTag("url.query", string(c.Request().URI().QueryString()))
		span.SetTag("http.route", route.Path)
		span.SetTag("user_agent.original", c.Get(fiber.HeaderUserAgent))
		span.SetTag("client.address", c.IP())
		defer span.Finish()

		req, err := r.buildRequest(c, route)
		if err != nil {
			if route.Strict {
				return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
					"error": "validation_failed", "reason": err.Error(),
					"path": route.Path, "method": route.Method, "route-descriptor": spanName,
				})
			}
			r.logger.Warn("request validation failed, continuing non-strict", log.Fields{"route": spanName, "error": err.Error()})
		}

		hc := &HandlerContext{
			Logger: log.WithRunID(r.logger, scope.ID),
			KV:     r.kvPath,
			Run:    scope,
			Span:   span,
			Emit: func(topic string, data any) {
				opts := bus.EmitOptions{Run: scope}
				if tid, sid, flags, ok := r.tracer.ExtractTraceInfo(ctx); ok {
					opts.TraceContext.TraceID = tid
					opts.TraceContext.SpanID = sid
					opts.TraceContext.TraceFlags = flags
				}
				r.bus.Emit(topic, data, opts)
			},
		}

		var result *Result
		switch route.Kind {
		case KindStatic:
			return r.serveStatic(c, route)
		case KindGRPC:
			result, err = r.dispatchRemote(ctx, route, req, scope)
		default:
			if route.Type == TypeSSE {
				return r.dispatchSSE(c, ctx, route, req, hc, scope, start, initiated)
			}
			result, err = route.Handler(ctx, req, hc)
		}

		status := r.finish(c, route, result, err, spanName)
		if status >= 500 {
			span.RecordError(fmt.Errorf("route returned status %d", status))
		}

		metrics.RequestsTotal.WithLabelValues(route.Method, string(route.Type), route.Path, fmt.Sprint(status)).Inc()
		metrics.RequestLatencyMS.WithLabelValues(route.Method, route.Path).Observe(float64(start.Sub(initiated).Microseconds()) / 1000.0)
		metrics.RequestDurationMS.WithLabelValues(route.Method, route.Path).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		return nil
	}
}

func (r *Router) buildRequest(c *fiber.Ctx, route Route) (*Request, error) {
	req := &Request{
		Method:  route.Method,
		Path:    c.Path(),
		URL:     c.OriginalURL(),
		Params:  map[string]string{},
		Headers: map[string]string{},
	}
	for _, p := range c.Route().Params {
		req.Params[p] = c.Params(p)
	}
	c.Request().Header.VisitAll(func(k, v []byte) {
		req.Headers[string(k)] = string(v)
	})

	if !route.BodySchema.IsZero() && len(c.Body()) > 0 {
		var raw map[string]any
		if err := c.BodyParser(&raw); err != nil {
			return req, fmt.Errorf("body: %w", err)
		}
		validated, err := route.BodySchema.Validate(raw)
		if err != nil {
			return req, fmt.Errorf("body: %w", err)
		}
		req.Body = validated
	} else if len(c.Body()) > 0 {
		var raw any
		_ = c.BodyParser(&raw)
		req.Body = raw
	}

	query := map[string]any{}
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		query[string(k)] = string(v)
	})
	if !route.QuerySchema.IsZero() {
		validated, err := route.QuerySchema.Validate(query)
		if err != nil {
			return req, fmt.Errorf("query: %w", err)
		}
		req.Query = map[string]any{"validated": validated}
	} else {
		req.Query = query
	}

	return req, nil
}

func (r *Router) dispatchRemote(ctx context.Context, route Route, req *Request, scope *runscope.Scope) (*Result, error) {
	if r.remote == nil {
		return nil, fmt.Errorf("router: route %s %s is grpc but no invoker is configured", route.Method, route.Path)
	}

	meta := map[string]string{
		"run_id":      scope.ID,
		"http_method": route.Method,
		"route":       route.Path,
		"path":        req.Path,
		"url":         req.URL,
	}
	if tid, sid, flags, ok := r.tracer.ExtractTraceInfo(ctx); ok {
		meta["trace_id"] = tid
		meta["span_id"] = sid
		meta["trace_flags"] = flags
	}

	input := map[string]any{
		"body":    req.Body,
		"query":   req.Query,
		"params":  req.Params,
		"headers": req.Headers,
		"user":    req.User,
	}

	out, err := r.remote.Invoke(ctx, route.Remote.HandlerName, string(route.Type), meta, input)
	if err != nil {
		return nil, err
	}

	result := &Result{Status: fiber.StatusOK}
	if status, ok := out["status"].(float64); ok {
		result.Status = int(status)
	}
	result.Body = out["body"]
	if mime, ok := out["mime"].(string); ok {
		result.MIME = mime
	}
	return result, nil
}

func (r *Router) finish(c *fiber.Ctx, route Route, result *Result, err error, spanName string) int {
	if err != nil {
		if route.Strict {
			r.writeJSON(c, fiber.StatusInternalServerError, fiber.Map{"error": err.Error()})
			return fiber.StatusInternalServerError
		}
		r.logger.Error("handler error, non-strict route", err, log.Fields{"route": spanName})
		r.writeJSON(c, fiber.StatusInternalServerError, fiber.Map{"error": err.Error()})
		return fiber.StatusInternalServerError
	}

	if result == nil {
		r.writeJSON(c, fiber.StatusInternalServerError, fiber.Map{"error": "handler produced no result"})
		return fiber.StatusInternalServerError
	}

	status := result.Status
	if status == 0 {
		status = fiber.StatusOK
	}

	for k, v := range result.Headers {
		c.Set(k, v)
	}

	resSchema, found := route.ResponseSchema.Resolve(status)
	if found {
		if _, verr := resSchema.Validate(result.Body); verr != nil {
			if route.Strict {
				r.writeJSON(c, fiber.StatusInternalServerError, fiber.Map{"error": "response_validation_failed"})
				return fiber.StatusInternalServerError
			}
			r.logger.Warn("response failed schema validation, proceeding", log.Fields{"route": spanName, "error": verr.Error()})
		}
	} else if route.ResponseSchema.Global.IsZero() && len(route.ResponseSchema.Status) > 0 {
		// keyed by status but this status has no entry: generic fallback
		result.Body = map[string]any{"error": "unexpected status"}
	}

	switch route.Type {
	case TypeHTTP:
		mime := result.MIME
		if mime == "" {
			mime = "text/html"
		}
		c.Status(status)
		c.Set(fiber.HeaderContentType, mime)
		body, _ := result.Body.(string)
		c.SendString(body)
	default:
		c.Status(status)
		c.JSON(result.Body)
	}
	return status
}

func (r *Router) writeJSON(c *fiber.Ctx, status int, body fiber.Map) {
	c.Status(status)
	c.JSON(body)
}

func (r *Router) serveStatic(c *fiber.Ctx, route Route) error {
	name := c.Params("*")
	if name == "" {
		name = c.Path()
	}
	path := route.StaticRoot + "/" + name
	if err := c.SendFile(path); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	return nil
}

func (r *Router) dispatchSSE(c *fiber.Ctx, ctx context.Context, route Route, req *Request, hc *HandlerContext, scope *runscope.Scope, start, initiated time.Time) error {
	format := stream.FormatEventFramed
	resSchema, _ := route.ResponseSchema.Resolve(fiber.StatusOK)

	c.Set(fiber.HeaderContentType, stream.ContentType(format, resSchema))
	c.Set(fiber.HeaderCacheControl, "no-cache, no-transform")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	fctx := c.Context()

	var handlerErr error
	fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		st := stream.New(w, format, resSchema)
		hc.Stream = st

		// Attach a close listener to the HTTP response so an upstream
		// client disconnect marks the stream closed immediately, instead of
		// the handler only discovering it on its next failed write (spec
		// §4.3, §5).
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-fctx.Done():
				st.Disconnect()
			case <-watchDone:
			}
		}()

		result, err := route.Handler(ctx, req, hc)
		close(watchDone)
		handlerErr = err

		if err != nil {
			_ = st.Error(err)
			return
		}
		if result != nil {
			r.logger.Debug("sse handler returned a result, discarding", log.Fields{"route": route.Path})
		}
		_ = st.Close()
	})

	status := fiber.StatusOK
	if handlerErr != nil {
		status = fiber.StatusInternalServerError
	}
	metrics.RequestsTotal.WithLabelValues(route.Method, string(route.Type), route.Path, fmt.Sprint(status)).Inc()
	metrics.RequestLatencyMS.WithLabelValues(route.Method, route.Path).Observe(float64(start.Sub(initiated).Microseconds()) / 1000.0)
	metrics.RequestDurationMS.WithLabelValues(route.Method, route.Path).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	return nil
}
