package bridge

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/relaysys/fabric/pkg/log"
)

// DiscoveryConfig configures a file-based endpoint discovery poll loop
// (spec §4.5: "type=file ... read a JSON array at path every intervalMs").
type DiscoveryConfig struct {
	Key        string // registry key the discovered endpoints replace
	Path       string
	IntervalMs int
}

type discoveredEntry struct {
	Target    string            `json:"target"`
	Metadata  map[string]string `json:"metadata"`
	TimeoutMs int               `json:"timeoutMs"`
	BackoffMs int               `json:"backoffMs"`
}

// StartDiscovery launches a polling goroutine that reads cfg.Path every
// cfg.IntervalMs and replaces registry's discovered set for cfg.Key. The
// file may contain either bare "host:port" strings or
// {target,metadata?,timeoutMs?,backoffMs?} objects. Stops when ctx is
// cancelled.
func StartDiscovery(ctx context.Context, logger log.Logger, registry *Registry, cfg DiscoveryConfig) {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		poll(logger, registry, cfg)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll(logger, registry, cfg)
			}
		}
	}()
}

func poll(logger log.Logger, registry *Registry, cfg DiscoveryConfig) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		logger.Warn("bridge discovery read failed", log.Fields{"path": cfg.Path, "error": err.Error()})
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("bridge discovery parse failed", log.Fields{"path": cfg.Path, "error": err.Error()})
		return
	}

	endpoints := make([]Endpoint, 0, len(raw))
	for _, item := range raw {
		var asString string
		if err := json.Unmarshal(item, &asString); err == nil {
			endpoints = append(endpoints, Endpoint{Target: asString})
			continue
		}

		var entry discoveredEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			logger.Warn("bridge discovery skipped malformed entry", log.Fields{"raw": string(item)})
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Target:    entry.Target,
			Metadata:  entry.Metadata,
			TimeoutMs: entry.TimeoutMs,
			BackoffMs: entry.BackoffMs,
		})
	}

	registry.SetDiscovered(cfg.Key, endpoints)
}
