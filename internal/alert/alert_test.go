package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := []*Alert{
		{ID: "1", Severity: SeverityHigh, SourceAgentID: "a-1", Status: StatusNew, CreatedAt: base},
		{ID: "2", Severity: SeverityCritical, SourceAgentID: "a-2", Status: StatusNew, CreatedAt: base.Add(time.Minute)},
		{ID: "3", Severity: SeverityHigh, SourceAgentID: "a-1", Status: StatusResolved, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, a := range alerts {
		require.NoError(t, s.Save(context.Background(), a))
	}
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by agent", Filter{AgentID: "a-1"}, []string{"3", "1"}},
		{"by status", Filter{Status: StatusNew}, []string{"2", "1"}},
		{"by severity", Filter{Severity: SeverityHigh}, []string{"3", "1"}},
		{"combined", Filter{AgentID: "a-1", Status: StatusNew}, []string{"1"}},
		{"no match", Filter{Severity: SeverityLow}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_UpdateStatus(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	a, err := s.UpdateStatus(ctx, "1", StatusReviewed)
	require.NoError(t, err)
	assert.Equal(t, StatusReviewed, a.Status)

	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewed, got.Status)

	a, err = s.UpdateStatus(ctx, "3", StatusNew)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, a.Status)

	_, err = s.UpdateStatus(ctx, "missing", StatusNew)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateStatus(ctx, "1", Status("ARCHIVED"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.BySeverity[SeverityHigh])
	assert.Equal(t, 1, stats.BySeverity[SeverityCritical])
	assert.Equal(t, 0, stats.BySeverity[SeverityLow])
	assert.Equal(t, 2, stats.ByStatus[StatusNew])
	assert.Equal(t, 1, stats.ByStatus[StatusResolved])
	assert.Equal(t, 0, stats.ByStatus[StatusReviewed])
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	a, err := s.Get(ctx, "1")
	require.NoError(t, err)
	a.Status = StatusResolved

	again, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, again.Status)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParse(t *testing.T) {
	sev, ok := ParseSeverity("critical")
	assert.True(t, ok)
	assert.Equal(t, SeverityCritical, sev)

	_, ok = ParseSeverity("SEVERE")
	assert.False(t, ok)

	st, err := ParseStatus("reviewed")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewed, st)
}

func TestFinders(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	byAgent, err := FindByAgent(ctx, s, "a-2")
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "2", byAgent[0].ID)

	resolved, err := FindByStatus(ctx, s, StatusResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "3", resolved[0].ID)

	critical, err := FindBySeverity(ctx, s, SeverityCritical)
	require.NoError(t, err)
	assert.Len(t, critical, 1)
}
