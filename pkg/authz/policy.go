package authz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Policy is the operator supplied policy file
//
//	org_admin_roles:
//	  - org.owner
//	  - org.admin
type Policy struct {
	// OrgAdminRoles lists the org role keys that receive the admin override.
	// An explicit empty list disables the override.
	OrgAdminRoles []string `yaml:"org_admin_roles"`
}

// LoadPolicyFile reads and validates a policy file
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if p.OrgAdminRoles == nil {
		return nil, fmt.Errorf("policy file %s: org_admin_roles is required", path)
	}
	for i, k := range p.OrgAdminRoles {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("policy file %s: empty role key at index %d", path, i)
		}
		p.OrgAdminRoles[i] = k
	}
	return &p, nil
}

// AdminRoleSet is the set of org role keys treated as administrative. Reads
// are lock free and see either the old or the new set during a reload.
type AdminRoleSet struct {
	keys atomic.Value // map[string]struct{}
}

// NewAdminRoleSet creates a set holding keys
func NewAdminRoleSet(keys ...string) *AdminRoleSet {
	a := &AdminRoleSet{}
	a.Replace(keys)
	return a
}

// Replace swaps the whole set
func (a *AdminRoleSet) Replace(keys []string) {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	a.keys.Store(m)
}

// Contains reports whether roleKey is an admin role
func (a *AdminRoleSet) Contains(roleKey string) bool {
	m, _ := a.keys.Load().(map[string]struct{})
	_, ok := m[roleKey]
	return ok
}

// Keys returns the admin role keys in lexical order
func (a *AdminRoleSet) Keys() []string {
	m, _ := a.keys.Load().(map[string]struct{})
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PolicyWatcher keeps an AdminRoleSet in sync with a policy file
type PolicyWatcher struct {
	path    string
	set     *AdminRoleSet
	logger  logrus.FieldLogger
	metrics *observability.Metrics
}

// NewPolicyWatcher creates a watcher for path feeding set
func NewPolicyWatcher(path string, set *AdminRoleSet, logger logrus.FieldLogger, metrics *observability.Metrics) *PolicyWatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &PolicyWatcher{
		path:    filepath.Clean(path),
		set:     set,
		logger:  logger.WithField("policy_file", path),
		metrics: metrics,
	}
}

// Reload reads the file and swaps the set. On error the previous set stays.
func (w *PolicyWatcher) Reload() error {
	p, err := LoadPolicyFile(w.path)
	if err != nil {
		w.count("error")
		return err
	}
	w.set.Replace(p.OrgAdminRoles)
	w.count("success")
	w.logger.WithField("org_admin_roles", w.set.Keys()).Info("loaded admin role policy")
	return nil
}

func (w *PolicyWatcher) count(status string) {
	if w.metrics != nil {
		w.metrics.PolicyReloadsTotal.WithLabelValues(status).Inc()
	}
}

// relevant reports whether an event may have changed the file. The
// directory is watched rather than the file so that atomic renames and
// Kubernetes ConfigMap symlink swaps (the ..data entry) are seen.
func (w *PolicyWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == w.path || filepath.Base(name) == "..data"
}

// Run loads the file once, then reloads it on every change until ctx ends.
// The initial load must succeed; later failures are logged and ignored.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	if err := w.Reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.WithError(err).Error("policy reload failed, keeping previous admin roles")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("policy watcher error")
		}
	}
}
