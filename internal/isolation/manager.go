// Package isolation hands out per-conversation git worktrees and tracks
// which conversations reference them.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/agentpool/internal/audit"
	"github.com/fentz26/agentpool/internal/git"
	"github.com/fentz26/agentpool/internal/metrics"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence the manager needs.
type Store interface {
	EnvironmentForConversation(ctx context.Context, conversationID string) (*models.Environment, error)
	CreateEnvironmentAndBind(ctx context.Context, env *models.Environment, conversationID string, limit int) error
	BindConversation(ctx context.Context, conversationID, envID string) error
	UnbindConversation(ctx context.Context, conversationID string) (string, int, error)
	GetEnvironment(ctx context.Context, id string) (*models.Environment, error)
	CountActiveEnvironments(ctx context.Context, codebaseID string) (int, error)
}

// Git creates and destroys worktrees.
type Git interface {
	AddWorktree(ctx context.Context, repoPath, worktreePath, branch, base string) error
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	DeleteBranch(ctx context.Context, repoPath, branch string) error
	DefaultBranch(repoPath string) (string, error)
}

// Reclaimer frees environments on behalf of the manager.
type Reclaimer interface {
	// EnforceCapacity tries to free environments of a codebase and reports
	// how many were removed and which live ones could not be.
	EnforceCapacity(ctx context.Context, codebaseID string) (int, []BlockingEnvironment, error)
	// ReclaimEnvironment evaluates one environment whose last reference
	// was dropped.
	ReclaimEnvironment(ctx context.Context, envID string) error
}

// Config controls where worktrees live and how many a codebase may have.
type Config struct {
	WorktreeRoot   string     `mapstructure:"worktree_root" yaml:"worktree_root"`
	BranchPrefix   string     `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	MaxPerCodebase int        `mapstructure:"max_per_codebase" yaml:"max_per_codebase"`
	Codebases      []Codebase `mapstructure:"codebases" yaml:"codebases"`
}

// DefaultMaxPerCodebase is the live-environment limit per codebase.
const DefaultMaxPerCodebase = 25

// AcquireRequest identifies who needs an environment.
type AcquireRequest struct {
	ConversationID string
	CodebaseID     string
	BranchHint     string
	Platform       string
}

// Manager owns environment creation and reference binding.
type Manager struct {
	cfg       Config
	codebases Codebases
	store     Store
	git       Git
	reclaimer Reclaimer
	pdr       *audit.PDRWriter
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	conversations *keyedMutex
	codebaseLocks *keyedMutex
}

// New creates a manager. reclaimer, pdr and m may be nil.
func New(cfg Config, st Store, g Git, reclaimer Reclaimer, pdr *audit.PDRWriter, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.MaxPerCodebase <= 0 {
		cfg.MaxPerCodebase = DefaultMaxPerCodebase
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "agentpool"
	}
	return &Manager{
		cfg:           cfg,
		codebases:     NewCodebases(cfg.Codebases),
		store:         st,
		git:           g,
		reclaimer:     reclaimer,
		pdr:           pdr,
		metrics:       m,
		logger:        logger.With().Str("component", "isolation").Logger(),
		conversations: newKeyedMutex(),
		codebaseLocks: newKeyedMutex(),
	}
}

// Codebases returns the configured codebases.
func (m *Manager) Codebases() Codebases {
	return m.codebases
}

// Limit returns the live-environment limit of a codebase.
func (m *Manager) Limit(codebaseID string) int {
	if cb, ok := m.codebases.Codebase(codebaseID); ok && cb.MaxEnvironments > 0 {
		return cb.MaxEnvironments
	}
	return m.cfg.MaxPerCodebase
}

// Acquire returns the environment bound to the conversation, creating and
// binding a new worktree if there is none.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*models.Environment, error) {
	if req.ConversationID == "" {
		return nil, ErrMissingConversation
	}
	unlock := m.conversations.Lock(req.ConversationID)
	defer unlock()

	existing, err := m.store.EnvironmentForConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	cb, ok := m.codebases.Codebase(req.CodebaseID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodebase, req.CodebaseID)
	}

	unlockCodebase := m.codebaseLocks.Lock(cb.ID)
	defer unlockCodebase()

	if err := m.ensureCapacity(ctx, cb.ID); err != nil {
		return nil, err
	}

	env, err := m.create(ctx, cb, req)
	if err != nil {
		return nil, err
	}

	limit := m.Limit(cb.ID)
	err = m.store.CreateEnvironmentAndBind(ctx, env, req.ConversationID, limit)
	if errors.Is(err, store.ErrConversationBound) {
		m.rollback(cb, env)
		return m.store.EnvironmentForConversation(ctx, req.ConversationID)
	}
	if errors.Is(err, store.ErrCapacityReached) {
		m.rollback(cb, env)
		live, _ := m.store.CountActiveEnvironments(ctx, cb.ID)
		m.logger.Warn().Str("codebase_id", cb.ID).Int("live", live).Int("limit", limit).Msg("codebase filled up during create")
		return nil, &CapacityError{CodebaseID: cb.ID, Limit: limit, Live: live}
	}
	if err != nil {
		m.rollback(cb, env)
		return nil, fmt.Errorf("persist environment: %w", err)
	}

	m.logger.Info().
		Str("env_id", env.ID).
		Str("codebase_id", cb.ID).
		Str("conversation_id", req.ConversationID).
		Str("branch", env.BranchName).
		Msg("environment created")
	m.pdr.Record("environment.create", req, "success", "", fmt.Sprintf("env %s on %s", env.ID, env.BranchName))
	m.refreshLive(ctx, cb.ID)
	return env, nil
}

func (m *Manager) ensureCapacity(ctx context.Context, codebaseID string) error {
	limit := m.Limit(codebaseID)
	live, err := m.store.CountActiveEnvironments(ctx, codebaseID)
	if err != nil {
		return err
	}
	if live < limit {
		return nil
	}

	var (
		reclaimed int
		blocking  []BlockingEnvironment
	)
	if m.reclaimer != nil {
		reclaimed, blocking, err = m.reclaimer.EnforceCapacity(ctx, codebaseID)
		if err != nil {
			return fmt.Errorf("enforce capacity: %w", err)
		}
		if live, err = m.store.CountActiveEnvironments(ctx, codebaseID); err != nil {
			return err
		}
	}
	if live < limit {
		return nil
	}

	m.logger.Warn().Str("codebase_id", codebaseID).Int("live", live).Int("limit", limit).Int("blocking", len(blocking)).Msg("codebase at capacity")
	return &CapacityError{CodebaseID: codebaseID, Limit: limit, Live: live, Reclaimed: reclaimed, Blocking: blocking}
}

func (m *Manager) create(ctx context.Context, cb Codebase, req AcquireRequest) (*models.Environment, error) {
	base := cb.MainBranch
	if base == "" {
		b, err := m.git.DefaultBranch(cb.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve main branch of %s: %w", cb.ID, err)
		}
		base = b
	}

	id := uuid.New().String()
	env := &models.Environment{
		ID:                id,
		CodebaseID:        cb.ID,
		WorkingPath:       filepath.Join(m.cfg.WorktreeRoot, cb.ID, id),
		BranchName:        BranchName(m.cfg.BranchPrefix, req.BranchHint, req.ConversationID, id),
		CreatedByPlatform: req.Platform,
	}
	if err := m.git.AddWorktree(ctx, cb.Path, env.WorkingPath, env.BranchName, base); err != nil {
		return nil, err
	}
	return env, nil
}

// rollback undoes a worktree that lost the race to be bound or to the
// capacity limit.
func (m *Manager) rollback(cb Codebase, env *models.Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.git.RemoveWorktree(ctx, cb.Path, env.WorkingPath); err != nil {
		m.logger.Error().Err(err).Str("env_id", env.ID).Str("path", env.WorkingPath).Msg("roll back worktree failed")
		return
	}
	if err := m.git.DeleteBranch(ctx, cb.Path, env.BranchName); err != nil {
		m.logger.Warn().Err(err).Str("branch", env.BranchName).Msg("roll back branch failed")
	}
}

// ReleaseResult describes the binding that was dropped.
type ReleaseResult struct {
	EnvID     string `json:"env_id,omitempty"`
	Remaining int    `json:"remaining"`
}

// Release drops the conversation's reference. When it was the last one the
// environment is handed to the reclaimer, which removes it only if it is
// safe and eligible.
func (m *Manager) Release(ctx context.Context, conversationID string) (ReleaseResult, error) {
	unlock := m.conversations.Lock(conversationID)
	defer unlock()

	envID, remaining, err := m.store.UnbindConversation(ctx, conversationID)
	if err != nil {
		return ReleaseResult{}, err
	}
	res := ReleaseResult{EnvID: envID, Remaining: remaining}
	if envID == "" {
		return res, nil
	}

	m.logger.Info().Str("env_id", envID).Str("conversation_id", conversationID).Int("remaining", remaining).Msg("conversation released environment")
	if remaining == 0 && m.reclaimer != nil {
		if err := m.reclaimer.ReclaimEnvironment(ctx, envID); err != nil {
			m.logger.Warn().Err(err).Str("env_id", envID).Msg("reclaim after release failed")
		}
	}
	return res, nil
}

// Attach binds a conversation to an existing active environment so several
// conversations can share one worktree.
func (m *Manager) Attach(ctx context.Context, conversationID, envID string) (*models.Environment, error) {
	if conversationID == "" {
		return nil, ErrMissingConversation
	}
	unlock := m.conversations.Lock(conversationID)
	defer unlock()

	env, err := m.store.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, envID)
	}
	if env.Status != models.EnvironmentActive {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentInactive, envID)
	}
	err = m.store.BindConversation(ctx, conversationID, envID)
	if errors.Is(err, store.ErrEnvironmentGone) {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentInactive, envID)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("env_id", envID).Str("conversation_id", conversationID).Msg("conversation attached to environment")
	return m.store.GetEnvironment(ctx, envID)
}

// ForConversation returns the active environment of a conversation or nil.
func (m *Manager) ForConversation(ctx context.Context, conversationID string) (*models.Environment, error) {
	return m.store.EnvironmentForConversation(ctx, conversationID)
}

func (m *Manager) refreshLive(ctx context.Context, codebaseID string) {
	if n, err := m.store.CountActiveEnvironments(ctx, codebaseID); err == nil {
		m.metrics.SetLiveEnvironments(codebaseID, n)
	}
}

// BranchName derives a branch for a new environment. The hint, or the
// conversation id without one, is sanitized and suffixed with a short id so
// names never collide.
func BranchName(prefix, hint, conversationID, envID string) string {
	stem := git.SanitizeBranchName(hint)
	if stem == "" {
		stem = git.SanitizeBranchName(conversationID)
	}
	if len(stem) > 48 {
		stem = strings.Trim(stem[:48], "-/.")
	}
	short := envID
	if len(short) > 8 {
		short = short[:8]
	}
	if stem == "" {
		return prefix + "/" + short
	}
	return prefix + "/" + stem + "-" + short
}
