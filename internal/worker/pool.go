// Package worker runs the fixed set of slots that claim jobs from the shared
// list, grade them and reply through the correlation handshake.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dontdude/forgejudge/internal/artifact"
	"github.com/dontdude/forgejudge/internal/correlation"
	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/platform/logging"
	"github.com/dontdude/forgejudge/internal/scoring"
	"github.com/dontdude/forgejudge/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// State is where a slot is in its loop.
type State string

const (
	StateIdle          State = "idle"
	StateClaiming      State = "claiming"
	StateMaterializing State = "materializing"
	StateBuilding      State = "building"
	StateScoring       State = "scoring"
	StateReplying      State = "replying"
)

const (
	DefaultPopTimeout    = time.Second
	DefaultClaimInterval = 20 * time.Millisecond

	restartDelay = time.Second
)

// Toolchain builds and tests a materialized workspace.
type Toolchain interface {
	Run(ctx context.Context, ws workspace.Workspace, version string) (scoring.TestReport, error)
}

// Config sizes and paces the pool.
type Config struct {
	Slots int
	// Dir holds one private directory per slot.
	Dir string
	// List is the shared work list.
	List string
	// Namespace selects the events channel.
	Namespace string
	// PopTimeout bounds one blocking pop so the loop can observe shutdown.
	PopTimeout time.Duration
	// ClaimInterval is the pause after an empty pop.
	ClaimInterval time.Duration
}

// Pool owns the slots. Slots share nothing mutable but the broker.
type Pool struct {
	cfg       Config
	broker    domain.Broker
	protocol  *correlation.Protocol
	toolchain Toolchain
	template  *artifact.Template
	logger    *slog.Logger

	states []atomic.Value
}

// NewPool prepares cfg.Slots slots. template may be nil, in which case every
// build resolves its dependencies itself.
func NewPool(cfg Config, broker domain.Broker, protocol *correlation.Protocol, tc Toolchain, template *artifact.Template, logger *slog.Logger) *Pool {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = DefaultClaimInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:       cfg,
		broker:    broker,
		protocol:  protocol,
		toolchain: tc,
		template:  template,
		logger:    logger,
		states:    make([]atomic.Value, cfg.Slots),
	}
	for i := range p.states {
		p.states[i].Store(StateIdle)
	}
	return p
}

// State reports what slot is doing right now.
func (p *Pool) State(slot int) State {
	return p.states[slot].Load().(State)
}

// Run blocks until ctx is cancelled and every slot has stopped. A slot that
// cannot reach the broker at startup stops alone; the error is returned once
// the rest have shut down.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting worker pool", "slots", p.cfg.Slots, "list", p.cfg.List)

	var g errgroup.Group
	for i := range p.cfg.Slots {
		s := p.newSlot(i)
		g.Go(func() error {
			return s.run(ctx)
		})
	}
	err := g.Wait()
	p.logger.Info("Worker pool stopped")
	return err
}

func (p *Pool) newSlot(index int) *slot {
	logger := p.logger.With(logging.SlotAttr(index))
	return &slot{
		pool:   p,
		index:  index,
		logger: logger,
		cache:  artifact.NewManager(p.template, logger),
		state:  &p.states[index],
	}
}

// slot is one execution loop with its private workspace root and cache.
type slot struct {
	pool   *Pool
	index  int
	logger *slog.Logger
	cache  *artifact.Manager
	state  *atomic.Value
}

func (s *slot) run(ctx context.Context) error {
	if err := s.pool.broker.Ping(ctx); err != nil {
		s.logger.Error("Broker unreachable, slot not started", "error", err)
		return fmt.Errorf("slot %d: %w", s.index, err)
	}
	s.logger.Info("Slot started", "dir", workspace.SlotDir(s.pool.cfg.Dir, s.index))

	for ctx.Err() == nil {
		if err := s.loop(ctx); err != nil {
			s.logger.Error("Slot crashed, restarting", "error", err)
			s.setState(StateIdle)
			sleep(ctx, restartDelay)
		}
	}
	s.logger.Info("Slot stopped")
	return nil
}

// loop turns until ctx is done. A panic anywhere in a turn is returned as an
// error so run can restart the slot at Idle.
func (s *slot) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	for ctx.Err() == nil {
		s.turn(ctx)
	}
	return nil
}

// turn is one Idle -> ... -> Idle pass.
func (s *slot) turn(ctx context.Context) {
	s.setState(StateIdle)
	payload, err := s.pool.broker.BlockingPop(ctx, s.pool.cfg.List, s.pool.cfg.PopTimeout)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to pop job", "error", err)
			sleep(ctx, s.pool.cfg.PopTimeout)
		}
		return
	}
	if payload == nil {
		sleep(ctx, s.pool.cfg.ClaimInterval)
		return
	}

	s.setState(StateClaiming)
	job, err := decodeJob(payload)
	if err != nil {
		s.logger.Warn("Dropping malformed job", "error", err, "payload", truncate(payload, 200))
		return
	}

	// A claimed job is finished and answered even if shutdown starts meanwhile.
	s.handle(context.WithoutCancel(ctx), job)
}

func (s *slot) setState(st State) {
	s.state.Store(st)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
