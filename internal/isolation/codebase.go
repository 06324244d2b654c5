package isolation

import "sort"

// Codebase is a repository that environments are carved from.
type Codebase struct {
	ID         string `mapstructure:"id" yaml:"id"`
	Path       string `mapstructure:"path" yaml:"path"`
	MainBranch string `mapstructure:"main_branch" yaml:"main_branch,omitempty"`
	// MaxEnvironments overrides the global per-codebase limit when set.
	MaxEnvironments int `mapstructure:"max_environments" yaml:"max_environments,omitempty"`
}

// Codebases indexes configured codebases by id.
type Codebases map[string]Codebase

// NewCodebases builds the index.
func NewCodebases(list []Codebase) Codebases {
	cbs := make(Codebases, len(list))
	for _, cb := range list {
		cbs[cb.ID] = cb
	}
	return cbs
}

// Codebase looks up id.
func (c Codebases) Codebase(id string) (Codebase, bool) {
	cb, ok := c[id]
	return cb, ok
}

// IDs returns the configured ids in sorted order.
func (c Codebases) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
