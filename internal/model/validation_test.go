package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllServices(t *testing.T) {
	cfg := ServiceConfig{
		PrimaryService: ServiceEndpoint{ServiceID: "orders"},
		DependentServices: []ServiceEndpoint{
			{ServiceID: "payments"},
			{ServiceID: "inventory"},
		},
	}

	services := cfg.AllServices()
	require.Len(t, services, 3)
	assert.Equal(t, "orders", services[0].ServiceID)
	assert.Equal(t, "payments", services[1].ServiceID)
	assert.Equal(t, "inventory", services[2].ServiceID)
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"critical", SeverityCritical},
		{"high", SeverityHigh},
		{"medium", SeverityMedium},
		{"low", SeverityLow},
		{"unknown", SeverityMedium},
		{"", SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSeverity(tt.in))
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusInProgress.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestCountsConsistent(t *testing.T) {
	report := AnomalyReport{
		TotalAnomalies: 4,
		CriticalCount:  1,
		HighCount:      1,
		MediumCount:    2,
	}
	assert.True(t, report.CountsConsistent())

	report.LowCount = 1
	assert.False(t, report.CountsConsistent())
}

func TestRunResultSnapshot(t *testing.T) {
	result := RunResult{
		RunID: uuid.New(),
		Snapshots: []DataSnapshot{
			{ServiceID: "a", Success: true},
			{ServiceID: "b", Success: false},
		},
	}

	snap := result.Snapshot("b")
	require.NotNil(t, snap)
	assert.False(t, snap.Success)

	assert.Nil(t, result.Snapshot("missing"))
}
