package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/zubot/internal/pathpolicy"
)

// Resolver resolves and validates workspace-relative paths, consulting the
// filesystem policy when one is attached.
type Resolver struct {
	Root   string
	Policy *pathpolicy.Policy
}

// ResolveRead resolves path and checks read access against the policy.
func (r Resolver) ResolveRead(path string) (string, error) {
	return r.resolve(path, pathpolicy.OpRead)
}

// ResolveWrite resolves path and checks write access against the policy.
func (r Resolver) ResolveWrite(path string) (string, error) {
	return r.resolve(path, pathpolicy.OpWrite)
}

// Resolve returns an absolute, cleaned path within the workspace root
// without a policy check; tools use the op-specific variants.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

func (r Resolver) resolve(path string, op pathpolicy.Op) (string, error) {
	abs, err := r.Resolve(path)
	if err != nil {
		return "", err
	}
	if r.Policy != nil {
		rootAbs, err := filepath.Abs(r.Root)
		if err != nil {
			return "", fmt.Errorf("resolve workspace root: %w", err)
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			return "", fmt.Errorf("resolve path: %w", err)
		}
		if allowed, reason := r.Policy.Allowed(filepath.ToSlash(rel), op); !allowed {
			return "", fmt.Errorf("access denied: %s", reason)
		}
	}
	return abs, nil
}
