package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// GRPCChecker performs readiness checks against a gRPC endpoint by
// observing the channel's connectivity state, avoiding a dependency on the
// standard grpc_health_v1 service (which handler processes are not
// required to implement).
type GRPCChecker struct {
	// Target is the dial target (host:port) being probed.
	Target string

	// Dial lazily establishes (or reuses) the connection to probe.
	Dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGRPCChecker creates a new gRPC health checker for target, dialing
// through dial on demand.
func NewGRPCChecker(target string, dial func(ctx context.Context) (*grpc.ClientConn, error)) *GRPCChecker {
	return &GRPCChecker{Target: target, Dial: dial}
}

// Check performs the gRPC health check.
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := g.Dial(ctx)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	state := conn.GetState()
	if state == connectivity.Idle {
		conn.Connect()
	}

	ok := waitForReady(ctx, conn)
	message := fmt.Sprintf("channel state %s", conn.GetState())
	return Result{
		Healthy:   ok,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) bool {
	state := conn.GetState()
	if state == connectivity.Ready {
		return true
	}
	if !conn.WaitForStateChange(ctx, state) {
		return false
	}
	return conn.GetState() == connectivity.Ready
}

// Type returns the health check type.
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}
