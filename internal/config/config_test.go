package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Len(t, cfg.Roles, 5)
	assert.Equal(t, 1, cfg.Roles["admin"].Level)
	assert.Contains(t, cfg.Roles["supervisor"].Permissions, "workflow.approve.team")
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
store:
  url: "postgres://signoff@localhost/signoff"
principals:
  - id: sup1
    role: supervisor
    unit_path: [acme, emea, berlin, team-a]
templates:
  - name: expense
    resource_type: expense
    steps:
      - step_number: 1
        approver_role: supervisor
        approver_context: team
        approval_type: any
        timeout_hours: 24
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://signoff@localhost/signoff", cfg.Store.URL)
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout, "unset keys keep defaults")
	require.Len(t, cfg.Principals, 1)
	assert.Equal(t, []string{"acme", "emea", "berlin", "team-a"}, cfg.Principals[0].UnitPath)
	require.Len(t, cfg.Templates, 1)
	assert.Equal(t, 24, cfg.Templates[0].Steps[0].TimeoutHours)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown principal role", "principals:\n  - id: x\n    role: ghost\n"},
		{"duplicate principal", "principals:\n  - id: x\n    role: staff\n  - id: x\n    role: staff\n"},
		{"bad lock", "scheduler:\n  lock: zookeeper\n"},
		{"redis without addr", "scheduler:\n  lock: redis\n"},
		{"webhook without url", "notifications:\n  webhooks:\n    - name: hook\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"unknown step role", "templates:\n  - name: t\n    resource_type: r\n    steps:\n      - step_number: 1\n        approver_role: ghost\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "store", cfg.Scheduler.Lock)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signoff.yml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))
	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
