package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr bool
	}{
		{name: "roles", body: "org_admin_roles:\n  - org.owner\n  - ' org.admin '\n", want: []string{"org.owner", "org.admin"}},
		{name: "explicit empty", body: "org_admin_roles: []\n", want: []string{}},
		{name: "missing key", body: "other: 1\n", wantErr: true},
		{name: "blank entry", body: "org_admin_roles: ['']\n", wantErr: true},
		{name: "not yaml", body: "org_admin_roles: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			p, err := LoadPolicyFile(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.OrgAdminRoles)
		})
	}

	_, err := LoadPolicyFile(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestAdminRoleSet(t *testing.T) {
	set := NewAdminRoleSet("org.owner", "org.admin")
	assert.True(t, set.Contains("org.owner"))
	assert.False(t, set.Contains("org.member"))
	assert.Equal(t, []string{"org.admin", "org.owner"}, set.Keys())

	set.Replace(nil)
	assert.False(t, set.Contains("org.owner"))
	assert.Empty(t, set.Keys())
}

func TestPolicyWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, "org_admin_roles: [org.owner]\n")

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	set := NewAdminRoleSet("org.admin")
	w := NewPolicyWatcher(path, set, nil, metrics)

	require.NoError(t, w.Reload())
	assert.Equal(t, []string{"org.owner"}, set.Keys())

	writePolicy(t, path, "org_admin_roles: [")
	assert.Error(t, w.Reload())
	assert.Equal(t, []string{"org.owner"}, set.Keys(), "failed reload keeps previous set")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PolicyReloadsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PolicyReloadsTotal.WithLabelValues("error")))
}

func TestPolicyWatcher_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, "org_admin_roles: [org.owner]\n")

	set := NewAdminRoleSet()
	w := NewPolicyWatcher(path, set, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return set.Contains("org.owner") }, 2*time.Second, 10*time.Millisecond)

	// rewritten until seen: the first write may land before the watch is set up
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("org_admin_roles: [org.owner, org.admin]\n"), 0o644)
		return set.Contains("org.admin")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestPolicyWatcher_RunRequiresValidFile(t *testing.T) {
	w := NewPolicyWatcher(filepath.Join(t.TempDir(), "absent.yaml"), NewAdminRoleSet(), nil, nil)
	assert.Error(t, w.Run(context.Background()))
}
