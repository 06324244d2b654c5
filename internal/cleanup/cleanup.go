// Package cleanup garbage-collects isolation environments. Merged branches
// are removed regardless of age, stale ones after a threshold, and nothing
// referenced or dirty is ever removed.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/fentz26/agentpool/internal/audit"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/metrics"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/rs/zerolog"
)

// Defaults.
const (
	DefaultInterval   = 6 * time.Hour
	DefaultStaleAfter = 14 * 24 * time.Hour
)

// DefaultPersistentPlatforms are exempt from staleness removal.
var DefaultPersistentPlatforms = []string{"telegram"}

// Store is the persistence the service needs.
type Store interface {
	ListEnvironments(ctx context.Context, codebaseID string, status models.EnvironmentStatus) ([]models.Environment, error)
	GetEnvironment(ctx context.Context, id string) (*models.Environment, error)
	CountReferences(ctx context.Context, envID string) (int, error)
	MarkEnvironmentDestroying(ctx context.Context, envID string) (bool, error)
	RestoreEnvironment(ctx context.Context, envID string) (bool, error)
	MarkEnvironmentDestroyed(ctx context.Context, envID string) (bool, error)
	CountActiveEnvironments(ctx context.Context, codebaseID string) (int, error)
}

// Git answers the safety and eligibility questions.
type Git interface {
	IsMerged(ctx context.Context, repoPath, branch, into string) (bool, error)
	HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error)
	LastCommitTime(ctx context.Context, repoPath, branch string) (time.Time, error)
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	PruneWorktrees(ctx context.Context, repoPath string) error
	DeleteBranch(ctx context.Context, repoPath, branch string) error
	DefaultBranch(repoPath string) (string, error)
}

// CodebaseResolver maps environment codebases to repositories.
type CodebaseResolver interface {
	Codebase(id string) (isolation.Codebase, bool)
}

// Config tunes the service.
type Config struct {
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	StaleAfter          time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	PersistentPlatforms []string      `mapstructure:"persistent_platforms" yaml:"persistent_platforms"`
}

// Service runs cleanup passes. Passes never overlap.
type Service struct {
	cfg       Config
	codebases CodebaseResolver
	store     Store
	git       Git
	pdr       *audit.PDRWriter
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	passMu     sync.Mutex
	persistent map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a service. pdr and m may be nil.
func New(cfg Config, codebases CodebaseResolver, st Store, g Git, pdr *audit.PDRWriter, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PersistentPlatforms == nil {
		cfg.PersistentPlatforms = DefaultPersistentPlatforms
	}
	persistent := make(map[string]bool, len(cfg.PersistentPlatforms))
	for _, p := range cfg.PersistentPlatforms {
		persistent[p] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		codebases:  codebases,
		store:      st,
		git:        g,
		pdr:        pdr,
		metrics:    m,
		logger:     logger.With().Str("component", "cleanup").Logger(),
		now:        time.Now,
		persistent: persistent,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetClock replaces the time source used for staleness.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs a scheduled pass every Interval until Stop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("stale_after", s.cfg.StaleAfter).Msg("cleanup scheduler started")
}

// Stop waits for the running pass, if any.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunScheduledCleanup(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduled cleanup failed")
			}
		}
	}
}

// RunScheduledCleanup evaluates every active environment.
func (s *Service) RunScheduledCleanup(ctx context.Context) (*Report, error) {
	return s.Run(ctx, TriggerScheduled, "")
}

// Run evaluates the active environments of one codebase, or of all of them
// when codebaseID is empty. Removals interrupted earlier are finished first.
func (s *Service) Run(ctx context.Context, trigger, codebaseID string) (*Report, error) {
	pending, err := s.store.ListEnvironments(ctx, codebaseID, models.EnvironmentDestroying)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	envs, err := s.store.ListEnvironments(ctx, codebaseID, models.EnvironmentActive)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	return s.pass(ctx, trigger, append(pending, envs...)), nil
}

// ReclaimEnvironment evaluates one environment after its last reference was
// dropped.
func (s *Service) ReclaimEnvironment(ctx context.Context, envID string) error {
	env, err := s.store.GetEnvironment(ctx, envID)
	if err != nil {
		return err
	}
	if env == nil || env.Status != models.EnvironmentActive {
		return nil
	}
	rep := s.pass(ctx, TriggerRelease, []models.Environment{*env})
	if len(rep.Errored) > 0 {
		return errors.New(rep.Errored[0].Error)
	}
	return nil
}

// EnforceCapacity runs a synchronous pass over one codebase and reports
// what it freed and what still blocks.
func (s *Service) EnforceCapacity(ctx context.Context, codebaseID string) (int, []isolation.BlockingEnvironment, error) {
	rep, err := s.Run(ctx, TriggerCapacity, codebaseID)
	if err != nil {
		return 0, nil, err
	}
	return len(rep.Removed), rep.Blocking(), nil
}

func (s *Service) pass(ctx context.Context, trigger string, envs []models.Environment) *Report {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	rep := &Report{Trigger: trigger, StartedAt: s.now()}
	touched := make(map[string]bool)
	for _, env := range envs {
		if ctx.Err() != nil {
			rep.fail(env, ctx.Err())
			continue
		}
		touched[env.CodebaseID] = true
		if err := s.process(ctx, env, rep); err != nil {
			rep.fail(env, err)
			s.logger.Warn().Err(err).Str("env_id", env.ID).Str("codebase_id", env.CodebaseID).Msg("cleanup of environment failed")
		}
	}
	rep.FinishedAt = s.now()

	s.metrics.ObserveCleanup(rep.FinishedAt.Sub(rep.StartedAt))
	for range rep.Removed {
		s.metrics.CleanupOutcome("removed")
	}
	for range rep.Skipped {
		s.metrics.CleanupOutcome("skipped")
	}
	for range rep.Errored {
		s.metrics.CleanupOutcome("errored")
	}
	for cb := range touched {
		if n, err := s.store.CountActiveEnvironments(ctx, cb); err == nil {
			s.metrics.SetLiveEnvironments(cb, n)
		}
	}

	s.logger.Info().
		Str("trigger", trigger).
		Int("evaluated", len(envs)).
		Int("removed", len(rep.Removed)).
		Int("skipped", len(rep.Skipped)).
		Int("errored", len(rep.Errored)).
		Msg("cleanup pass finished")
	return rep
}

func (s *Service) process(ctx context.Context, env models.Environment, rep *Report) error {
	cb, ok := s.codebases.Codebase(env.CodebaseID)
	if !ok {
		return fmt.Errorf("%w: %s", isolation.ErrUnknownCodebase, env.CodebaseID)
	}

	if env.Status == models.EnvironmentDestroying {
		return s.resume(ctx, cb, env, rep)
	}

	refs, err := s.store.CountReferences(ctx, env.ID)
	if err != nil {
		return err
	}

	if _, err := os.Stat(env.WorkingPath); errors.Is(err, fs.ErrNotExist) {
		return s.removeMissing(ctx, cb, env, refs, rep)
	}

	main := cb.MainBranch
	if main == "" {
		if main, err = s.git.DefaultBranch(cb.Path); err != nil {
			return fmt.Errorf("resolve main branch: %w", err)
		}
	}

	merged, err := s.git.IsMerged(ctx, cb.Path, env.BranchName, main)
	if err != nil {
		return err
	}

	reason := RemovedMerged
	if !merged {
		if s.persistent[env.CreatedByPlatform] {
			rep.skip(env, ReasonPersistent, "created by "+env.CreatedByPlatform)
			return nil
		}
		last, err := s.git.LastCommitTime(ctx, cb.Path, env.BranchName)
		if err != nil {
			return err
		}
		activity := env.CreatedAt
		if last.After(activity) {
			activity = last
		}
		idle := s.now().Sub(activity)
		if idle < s.cfg.StaleAfter {
			rep.skip(env, ReasonNotStale, fmt.Sprintf("idle %s of %s", idle.Round(time.Minute), s.cfg.StaleAfter))
			return nil
		}
		reason = RemovedStale
	}

	if refs > 0 {
		rep.skip(env, ReasonReferenced, fmt.Sprintf("%s, %d conversation(s)", reason, refs))
		return nil
	}
	dirty, err := s.git.HasUncommittedChanges(ctx, env.WorkingPath)
	if err != nil {
		return err
	}
	if dirty {
		rep.skip(env, ReasonDirty, reason)
		return nil
	}

	if err := s.claim(ctx, env); err != nil {
		return err
	}
	if err := s.git.RemoveWorktree(ctx, cb.Path, env.WorkingPath); err != nil {
		s.restore(ctx, env)
		return err
	}
	if merged {
		if err := s.git.DeleteBranch(ctx, cb.Path, env.BranchName); err != nil {
			s.logger.Warn().Err(err).Str("env_id", env.ID).Str("branch", env.BranchName).Msg("delete merged branch failed")
		}
	}
	return s.markDestroyed(ctx, env, reason, rep)
}

// removeMissing handles an environment whose directory is already gone.
func (s *Service) removeMissing(ctx context.Context, cb isolation.Codebase, env models.Environment, refs int, rep *Report) error {
	if refs > 0 {
		rep.skip(env, ReasonReferenced, fmt.Sprintf("worktree missing, %d conversation(s)", refs))
		return nil
	}
	if err := s.claim(ctx, env); err != nil {
		return err
	}
	if err := s.git.PruneWorktrees(ctx, cb.Path); err != nil {
		s.logger.Warn().Err(err).Str("codebase_id", cb.ID).Msg("prune worktrees failed")
	}
	return s.markDestroyed(ctx, env, RemovedMissing, rep)
}

// resume finishes a removal that stopped after the environment was claimed.
func (s *Service) resume(ctx context.Context, cb isolation.Codebase, env models.Environment, rep *Report) error {
	if _, err := os.Stat(env.WorkingPath); err == nil {
		if err := s.git.RemoveWorktree(ctx, cb.Path, env.WorkingPath); err != nil {
			return err
		}
	} else if err := s.git.PruneWorktrees(ctx, cb.Path); err != nil {
		s.logger.Warn().Err(err).Str("codebase_id", cb.ID).Msg("prune worktrees failed")
	}
	return s.markDestroyed(ctx, env, RemovedInterrupted, rep)
}

// claim moves the environment to destroying so no conversation can bind to
// it while its worktree is removed.
func (s *Service) claim(ctx context.Context, env models.Environment) error {
	ok, err := s.store.MarkEnvironmentDestroying(ctx, env.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("environment %s was referenced or changed before removal", env.ID)
	}
	return nil
}

func (s *Service) restore(ctx context.Context, env models.Environment) {
	if _, err := s.store.RestoreEnvironment(ctx, env.ID); err != nil {
		s.logger.Error().Err(err).Str("env_id", env.ID).Msg("restore environment after failed removal failed")
	}
}

func (s *Service) markDestroyed(ctx context.Context, env models.Environment, reason string, rep *Report) error {
	ok, err := s.store.MarkEnvironmentDestroyed(ctx, env.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("environment %s changed during removal", env.ID)
	}
	rep.remove(env, reason)
	s.logger.Info().Str("env_id", env.ID).Str("branch", env.BranchName).Str("reason", reason).Msg("environment removed")
	s.pdr.Record("environment.remove", map[string]string{"env_id": env.ID, "reason": reason}, "success", "", env.BranchName)
	return nil
}
