// Package pathpolicy normalizes repository-relative paths and evaluates the
// filesystem allow/deny policy for read and write operations.
package pathpolicy

import (
	"fmt"
	"path"
	"strings"

	"github.com/haasonsaas/zubot/internal/config"
)

// Op is the access kind being checked.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Policy evaluates filesystem access against a config.FilesystemPolicy.
type Policy struct {
	cfg config.FilesystemPolicy
}

// New builds a Policy from the given filesystem configuration.
func New(cfg config.FilesystemPolicy) *Policy {
	return &Policy{cfg: cfg}
}

// Normalize converts an arbitrary path into a repository-relative, slash-separated
// path with no leading "/" or ".." traversal. It rejects absolute paths and any
// path that escapes the repository root.
func Normalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if path.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal is not allowed: %s", p)
	}
	clean = strings.TrimPrefix(clean, "./")
	return clean, nil
}

// Allowed reports whether op is permitted on p under the policy, and if not,
// a human-readable reason.
func (pol *Policy) Allowed(p string, op Op) (bool, string) {
	normalized, err := Normalize(p)
	if err != nil {
		return false, err.Error()
	}

	for _, pattern := range pol.cfg.Deny {
		if matches(pattern, normalized) {
			return false, fmt.Sprintf("path %q is denied by policy pattern %q", normalized, pattern)
		}
	}

	allowList := pol.cfg.AllowRead
	if op == OpWrite {
		allowList = pol.cfg.AllowWrite
	}

	if pol.cfg.DefaultAccess == config.AccessAllow {
		if anyMatches(allowList, normalized) && !pol.explicitlyExcluded(allowList, normalized) {
			return true, ""
		}
		// default allow: only an empty allow list or an explicit match denies nothing further.
		if len(allowList) == 0 {
			return true, ""
		}
	}

	if anyMatches(allowList, normalized) {
		return true, ""
	}
	return false, fmt.Sprintf("path %q is not permitted for %s access", normalized, op)
}

// explicitlyExcluded exists for symmetry with future negated-pattern support;
// the current pattern language has no negation, so this is always false.
func (pol *Policy) explicitlyExcluded(_ []string, _ string) bool {
	return false
}

func anyMatches(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if matches(pattern, p) {
			return true
		}
	}
	return false
}

// matches implements a small glob: "**" matches any number of path segments
// (including zero), "*" matches within a single segment.
func matches(pattern, p string) bool {
	patternSegs := strings.Split(pattern, "/")
	pathSegs := strings.Split(p, "/")
	return matchSegs(patternSegs, pathSegs)
}

func matchSegs(pattern, p []string) bool {
	if len(pattern) == 0 {
		return len(p) == 0
	}
	head := pattern[0]
	if head == "**" {
		if matchSegs(pattern[1:], p) {
			return true
		}
		if len(p) == 0 {
			return false
		}
		return matchSegs(pattern, p[1:])
	}
	if len(p) == 0 {
		return false
	}
	if !matchSeg(head, p[0]) {
		return false
	}
	return matchSegs(pattern[1:], p[1:])
}

func matchSeg(pattern, seg string) bool {
	ok, err := path.Match(pattern, seg)
	return err == nil && ok
}
