package isolation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownCodebase     = errors.New("unknown codebase")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrEnvironmentInactive = errors.New("environment is not active")
	ErrMissingConversation = errors.New("conversation id is required")
)

// BlockingEnvironment is a live environment that cleanup could not free,
// with the reason a human needs to act on.
type BlockingEnvironment struct {
	EnvID      string `json:"env_id"`
	BranchName string `json:"branch_name"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// CapacityError is returned when a codebase has no room for another
// environment even after a synchronous cleanup.
type CapacityError struct {
	CodebaseID string                `json:"codebase_id"`
	Limit      int                   `json:"limit"`
	Live       int                   `json:"live"`
	Reclaimed  int                   `json:"reclaimed"`
	Blocking   []BlockingEnvironment `json:"blocking"`
}

func (e *CapacityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "codebase %s at capacity: %d/%d live environments, %d reclaimed", e.CodebaseID, e.Live, e.Limit, e.Reclaimed)
	if len(e.Blocking) > 0 {
		b.WriteString("; blocking:")
		for _, env := range e.Blocking {
			fmt.Fprintf(&b, " %s (%s)", env.EnvID, env.Reason)
		}
	}
	return b.String()
}
