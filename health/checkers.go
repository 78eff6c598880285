package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	parley "github.com/parleymq/parley-go"
	"github.com/parleymq/parley-go/message"
)

// ConnectionChecker reports the lifecycle state of a bus client.
type ConnectionChecker struct {
	client *parley.Client
}

// NewConnectionChecker creates a checker over the client's connection
// state.
func NewConnectionChecker(client *parley.Client) *ConnectionChecker {
	return &ConnectionChecker{client: client}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	state := c.client.State()
	result.Details["state"] = state.String()
	result.Details["connected"] = c.client.IsConnected()

	switch state {
	case parley.Connected:
		result.Status = StatusHealthy
		result.Message = "connection is up"
	case parley.Offline:
		result.Status = StatusDegraded
		result.Message = "broker is refusing publishes"
	case parley.Reconnecting:
		result.Status = StatusDegraded
		result.Message = "redialing after a lost connection"
	case parley.Connecting:
		result.Status = StatusDegraded
		result.Message = "connection not yet established"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("connection is %s", state)
		if err := c.client.Err(); err != nil {
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}

// RoundTripChecker probes a request topic and measures the response time.
// Something must answer on the topic, typically an echo responder run by
// the service being checked.
type RoundTripChecker struct {
	client    *parley.Client
	topic     string
	warnAfter time.Duration
}

// NewRoundTripChecker creates an active probe against topic. Responses
// slower than warnAfter degrade the result instead of failing it.
func NewRoundTripChecker(client *parley.Client, topic string, warnAfter time.Duration) *RoundTripChecker {
	return &RoundTripChecker{client: client, topic: topic, warnAfter: warnAfter}
}

func (c *RoundTripChecker) Name() string {
	return "round_trip"
}

func (c *RoundTripChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"topic": c.topic},
	}

	_, err := c.client.Request(ctx, c.topic, message.Structured(map[string]any{"ping": true}))
	elapsed := time.Since(start)
	result.Duration = elapsed
	result.Details["response_time_ms"] = elapsed.Milliseconds()

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "round trip failed"
		result.Error = err.Error()
	case c.warnAfter > 0 && elapsed > c.warnAfter:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("round trip took %v", elapsed)
	default:
		result.Status = StatusHealthy
		result.Message = "round trip succeeded"
	}

	return result
}

// RuntimeChecker watches process-level runtime stats. The goroutine count
// is the verdict; memory stats ride along as details.
type RuntimeChecker struct {
	warnGoroutines int
	maxGoroutines  int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds.
func NewRuntimeChecker(warnGoroutines, maxGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines: warnGoroutines,
		maxGoroutines:  maxGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memory_sys_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case c.maxGoroutines > 0 && goroutines > c.maxGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime looks normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps an application-defined probe.
type ComponentChecker struct {
	name string
	fn   func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker around a custom probe function.
func NewComponentChecker(name string, fn func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, fn: fn}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.fn(ctx)
	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}
