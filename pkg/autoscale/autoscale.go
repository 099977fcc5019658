// Package autoscale resizes a consumer pool from observed queue backlog.
//
// Each tick samples the backlog, asks a PID controller for a worker count
// and applies it unless a direction-specific cooldown or the deadband vetoes
// the change. Backlog above the emergency threshold bypasses both vetoes.
package autoscale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/pid"
)

// Pool is the resizable worker pool under control.
type Pool interface {
	Concurrency() int
	Resize(n int)
	SetHeadroom(n int)
}

type BacklogProbe interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// Observer is told about every tick that produced a decision.
type Observer interface {
	ObserveScale(ctx context.Context, event flow.ScaleEvent)
}

type Config struct {
	Interval           time.Duration `mapstructure:"interval"`
	MinWorkers         int           `mapstructure:"min_workers"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	Deadband           int           `mapstructure:"deadband"`
	EmergencyThreshold int           `mapstructure:"emergency_threshold"`
	ScaleUpCooldown    time.Duration `mapstructure:"scale_up_cooldown"`
	ScaleDownCooldown  time.Duration `mapstructure:"scale_down_cooldown"`
	Gains              pid.Gains     `mapstructure:"gains"`
	IntegralGuard      float64       `mapstructure:"integral_guard"`
	HeadroomBuffer     int           `mapstructure:"headroom_buffer"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		MinWorkers:         2,
		MaxWorkers:         20,
		Deadband:           2,
		EmergencyThreshold: 100,
		ScaleUpCooldown:    5 * time.Second,
		ScaleDownCooldown:  60 * time.Second,
		Gains:              pid.Gains{Kp: 0.05, Ki: 0.005, Kd: 0.02},
		IntegralGuard:      pid.DefaultIntegralGuard,
		HeadroomBuffer:     2,
		ProbeTimeout:       2 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.MinWorkers < 1 {
		errs = append(errs, errors.New("min_workers must be at least 1"))
	}
	if c.MaxWorkers < c.MinWorkers {
		errs = append(errs, fmt.Errorf("max_workers %d below min_workers %d", c.MaxWorkers, c.MinWorkers))
	}
	if c.Deadband < 0 {
		errs = append(errs, errors.New("deadband must not be negative"))
	}
	if c.ScaleUpCooldown < 0 || c.ScaleDownCooldown < 0 {
		errs = append(errs, errors.New("cooldowns must not be negative"))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("probe_timeout must be positive"))
	}
	return errors.Join(errs...)
}

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Skip and apply reasons reported in decisions, metrics and scale events.
const (
	ReasonProbeFailed = "probe_failed"
	ReasonCooldown    = "cooldown"
	ReasonDeadband    = "deadband"
	ReasonSteady      = "steady"
	ReasonScaled      = "scaled"
	ReasonEmergency   = "emergency"
)

type Sample struct {
	Timestamp     time.Time
	QueueDepth    int
	ActiveWorkers int
}

type Decision struct {
	Sample    Sample
	Desired   int
	Direction Direction
	Emergency bool
	Applied   bool
	Reason    string
}

type Autoscaler struct {
	name       string
	queue      string
	cfg        Config
	pool       Pool
	probe      BacklogProbe
	controller *pid.Controller
	observer   Observer
	now        func() time.Time

	mu        sync.Mutex
	lastScale time.Time
}

type Option func(*Autoscaler)

func WithClock(now func() time.Time) Option {
	return func(a *Autoscaler) { a.now = now }
}

func WithObserver(o Observer) Option {
	return func(a *Autoscaler) { a.observer = o }
}

// New builds an autoscaler for pool fed by queue. The cooldown clock starts
// at construction, so the first scale-down waits a full cooldown.
func New(name, queue string, pool Pool, probe BacklogProbe, cfg Config, opts ...Option) *Autoscaler {
	a := &Autoscaler{
		name:  name,
		queue: queue,
		cfg:   cfg,
		pool:  pool,
		probe: probe,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.controller = pid.New(cfg.Gains, cfg.MinWorkers, cfg.MaxWorkers, pid.WithIntegralGuard(cfg.IntegralGuard))
	a.lastScale = a.now()
	return a
}

// Run ticks until ctx is done. Tick errors are logged and never stop the loop.
func (a *Autoscaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = a.Tick(ctx)
		}
	}
}

// Tick runs one control iteration. Concurrent calls are serialized.
func (a *Autoscaler) Tick(ctx context.Context) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := logger.WithContext(ctx).With("pool", a.name, "queue", a.queue)

	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	depth, err := a.probe.Depth(probeCtx, a.queue)
	cancel()
	if err != nil {
		probeFailures.WithLabelValues(a.name).Inc()
		skippedTicks.WithLabelValues(a.name, ReasonProbeFailed).Inc()
		log.Warn("backlog probe failed, skipping tick", "error", err.Error())
		return Decision{Reason: ReasonProbeFailed}, fmt.Errorf("probe %s: %w", a.queue, err)
	}

	now := a.now()
	current := a.pool.Concurrency()
	d := Decision{
		Sample:  Sample{Timestamp: now, QueueDepth: depth, ActiveWorkers: current},
		Desired: a.controller.Compute(0, float64(depth)),
	}
	d.Direction = DirectionDown
	if d.Desired > current {
		d.Direction = DirectionUp
	}
	d.Emergency = depth > a.cfg.EmergencyThreshold

	queueDepth.WithLabelValues(a.name).Set(float64(depth))
	desiredWorkers.WithLabelValues(a.name).Set(float64(d.Desired))
	currentWorkers.WithLabelValues(a.name).Set(float64(current))

	cooldown := a.cfg.ScaleDownCooldown
	if d.Direction == DirectionUp {
		cooldown = a.cfg.ScaleUpCooldown
	}

	switch {
	case d.Desired == current:
		d.Reason = ReasonSteady
	case !d.Emergency && now.Sub(a.lastScale) < cooldown:
		d.Reason = ReasonCooldown
	case !d.Emergency && abs(d.Desired-current) < a.cfg.Deadband:
		d.Reason = ReasonDeadband
	default:
		a.pool.Resize(d.Desired)
		// Headroom never drops below MaxWorkers, so it is a prefetch ceiling
		// kept in step with the resize; free workers are the live bound.
		a.pool.SetHeadroom(max(d.Desired+a.cfg.HeadroomBuffer, a.cfg.MaxWorkers))
		a.lastScale = now
		d.Applied = true
		d.Reason = ReasonScaled
		if d.Emergency {
			d.Reason = ReasonEmergency
		}
	}

	if d.Applied {
		resizes.WithLabelValues(a.name, string(d.Direction)).Inc()
		log.Info("pool resized",
			"depth", depth,
			"current", current,
			"desired", d.Desired,
			"direction", d.Direction,
			"emergency", d.Emergency,
		)
	} else {
		skippedTicks.WithLabelValues(a.name, d.Reason).Inc()
		log.Debug("resize skipped", "reason", d.Reason, "depth", depth, "current", current, "desired", d.Desired)
	}

	if a.observer != nil {
		a.observer.ObserveScale(ctx, flow.ScaleEvent{
			Pool:       a.name,
			QueueDepth: depth,
			Current:    current,
			Desired:    d.Desired,
			Applied:    d.Applied,
			Reason:     d.Reason,
			Timestamp:  now.UTC().Format(time.RFC3339Nano),
		})
	}
	return d, nil
}

// State returns the controller memory and the time of the last resize.
func (a *Autoscaler) State() (pid.State, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controller.State(), a.lastScale
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
