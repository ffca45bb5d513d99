// Package cleanup asks the package-manager capability to free cache space
// or inodes.
package cleanup

import (
	"context"
	"time"

	"github.com/storaged/storaged/internal/circuit"
	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// Unit is the quantity a cleanup target is expressed in.
type Unit int

const (
	Bytes Unit = iota
	Inodes
)

func (u Unit) String() string {
	if u == Inodes {
		return "inodes"
	}
	return "bytes"
}

// PackageManager is the capability that owns application caches.
type PackageManager interface {
	// CleanCache frees up to target units and returns how many it freed.
	CleanCache(ctx context.Context, target int64, unit Unit) (int64, error)
}

// Executor forwards cleanup requests to a PackageManager behind a
// circuit breaker.
type Executor struct {
	pm      PackageManager
	breaker *circuit.Breaker
	metrics *metrics.Collector
	logger  *utils.StructuredLogger
}

// NewExecutor wires pm behind a breaker configured by cfg.
func NewExecutor(pm PackageManager, cfg circuit.Config, clk clock.Clock, collector *metrics.Collector, logger *utils.StructuredLogger) *Executor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("cleanup")

	onChange := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("cleanup breaker state changed", map[string]interface{}{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
		if onChange != nil {
			onChange(name, from, to)
		}
	}

	return &Executor{
		pm:      pm,
		breaker: circuit.New("package-manager", cfg, clk),
		metrics: collector,
		logger:  logger,
	}
}

// Breaker exposes the breaker state for health reporting.
func (e *Executor) Breaker() *circuit.Breaker {
	return e.breaker
}

// Clean requests budget units from the package manager. It returns the
// amount actually freed, which may be non-zero alongside an error.
func (e *Executor) Clean(ctx context.Context, budget int64, unit Unit) (int64, error) {
	if budget <= 0 {
		return 0, nil
	}

	start := time.Now()
	var cleaned int64
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var cerr error
		cleaned, cerr = e.pm.CleanCache(ctx, budget, unit)
		return cerr
	})
	e.metrics.RecordCleanup(unit.String(), budget, cleaned, err)

	fields := map[string]interface{}{
		"unit":     unit.String(),
		"budget":   budget,
		"cleaned":  cleaned,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		fields["error"] = err
		e.logger.Warn("cache cleanup failed", fields)
		if _, ok := errors.CodeOf(err); ok {
			return cleaned, err
		}
		return cleaned, errors.Wrap(err, errors.ErrCodeCleanupFailed, "package manager cleanup")
	}
	e.logger.Info("cache cleanup finished", fields)
	return cleaned, nil
}
