package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeTempYAML(t, `
config_name: prod-orders
primary_service:
  service_id: orders
  service_name: Orders API
  endpoint: https://orders.internal/api
  auth_config:
    auth_type: api_key
    credentials:
      api_key: secret
dependent_services:
  - service_id: payments
    endpoint: https://payments.internal/api
    auth_config:
      auth_type: bearer_token
      credentials:
        token: tok
validation_rules:
  - rule_id: r1
    rule_name: order-payment parity
    source_service: orders
    target_service: payments
validation_interval_minutes: 30
enabled: true
alert:
  enabled: true
  anomaly_count_threshold: 5
  slack_enabled: true
  slack_webhook: https://hooks.slack.test/x
`)

	svc, alertCfg, err := loadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "prod-orders", svc.ConfigName)
	assert.Equal(t, "orders", svc.PrimaryService.ServiceID)
	require.Len(t, svc.DependentServices, 1)
	require.Len(t, svc.ValidationRules, 1)
	assert.Equal(t, "payments", svc.ValidationRules[0].TargetService)
	assert.Equal(t, 30, svc.IntervalMinutes)

	require.NotNil(t, alertCfg)
	assert.True(t, alertCfg.Enabled)
	assert.Equal(t, 5, alertCfg.AnomalyCountThreshold)
	assert.Equal(t, svc.ConfigID, alertCfg.ConfigID)
}

func TestLoadConfigFileNoAlert(t *testing.T) {
	path := writeTempYAML(t, `
config_name: minimal
primary_service:
  service_id: orders
  endpoint: https://orders.internal/api
`)

	svc, alertCfg, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", svc.ConfigName)
	assert.Nil(t, alertCfg)
}

func TestLoadConfigFileMissingName(t *testing.T) {
	path := writeTempYAML(t, `
primary_service:
  service_id: orders
`)

	_, _, err := loadConfigFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config_name is required")
}

func TestLoadConfigFileMissingPrimary(t *testing.T) {
	path := writeTempYAML(t, `
config_name: incomplete
`)

	_, _, err := loadConfigFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary_service.service_id is required")
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, _, err := loadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
