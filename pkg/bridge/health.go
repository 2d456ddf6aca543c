package bridge

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/relaysys/fabric/pkg/health"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/telemetry/metrics"
)

// HealthProbeConfig controls one endpoint's periodic readiness probe (spec
// §4.5: "intervalMs/timeoutMs ... periodic async ready-check").
type HealthProbeConfig struct {
	HandlerName string
	Endpoint    Endpoint
	IntervalMs  int
	TimeoutMs   int
}

// StartHealthProbe launches a probe loop for one endpoint, updating c's
// health map and the fabric_bridge_endpoint_healthy gauge. Stops when ctx is
// cancelled.
func (c *Client) StartHealthProbe(ctx context.Context, logger log.Logger, cfg HealthProbeConfig) {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	checker := health.NewGRPCChecker(cfg.Endpoint.Target, func(ctx context.Context) (*grpc.ClientConn, error) {
		return c.dial(ctx, cfg.Endpoint)
	})
	status := health.NewStatus()
	hcConfig := health.Config{Interval: interval, Timeout: timeout, Retries: 3}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		probe := func() {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			result := checker.Check(checkCtx)
			cancel()

			status.Update(result, hcConfig)
			if status.Healthy {
				c.markHealthy(cfg.HandlerName, cfg.Endpoint)
			} else {
				c.markUnhealthy(cfg.HandlerName, cfg.Endpoint)
			}
			metrics.BridgeEndpointHealthy.WithLabelValues(cfg.HandlerName, cfg.Endpoint.Target).Set(boolToFloat(status.Healthy))
			logger.Debug("bridge health probe", log.Fields{"handler": cfg.HandlerName, "target": cfg.Endpoint.Target, "healthy": status.Healthy, "message": result.Message})
		}

		probe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
