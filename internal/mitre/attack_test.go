package mitre

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const defaultQuery = "High resource usage or suspicious network activity"

func TestSearch_DefaultQuery(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())

	matches := kb.Search(defaultQuery, 2, 0.70)
	require.NotEmpty(t, matches)
	assert.Equal(t, "T1496", matches[0].Technique.ID)
	assert.Equal(t, 1.0, matches[0].Score)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, 0.70)
	}
}

func TestSearch_TopKAndOrdering(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())

	matches := kb.Search(defaultQuery, 2, 0.5)
	require.Len(t, matches, 2)
	assert.Equal(t, "T1496", matches[0].Technique.ID)
	assert.Equal(t, "T1041", matches[1].Technique.ID)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)

	assert.Len(t, kb.Search(defaultQuery, 1, 0), 1)
	assert.Empty(t, kb.Search(defaultQuery, 0, 0))
	assert.Empty(t, kb.Search("the and of", 2, 0))
}

func TestRetrieve_Fallback(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())
	assert.Equal(t, Fallback, kb.Retrieve("quantum teleportation bakery", 2, 0.70))
}

func TestRetrieve_Excerpt(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())

	text := kb.Retrieve(defaultQuery, 2, 0.70)
	assert.True(t, strings.HasPrefix(text, "T1496 Resource Hijacking (Impact): "))
	assert.Contains(t, text, "Detection: ")
	assert.Contains(t, text, "Mitigations: ")
}

func TestLoadFile(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())
	before := kb.Len()

	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
techniques:
  - id: t1053
    name: Scheduled Task/Job
    tactics: [persistence, execution]
    description: Adversaries may abuse task scheduling to execute malicious code at startup.
    keywords: [cron, crontab, schtasks]
  - id: T1496
    name: Resource Hijacking
    tactics: [impact]
    description: Replaced entry about cron miners.
`), 0o600))

	require.NoError(t, kb.LoadFile(path))
	assert.Equal(t, before+1, kb.Len())

	tech, ok := kb.GetTechnique("T1053")
	require.True(t, ok)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1053/", tech.URL)

	replaced, ok := kb.GetTechnique("t1496")
	require.True(t, ok)
	assert.Equal(t, "Replaced entry about cron miners.", replaced.Description)

	matches := kb.Search("crontab persistence", 1, 0.5)
	require.Len(t, matches, 1)
	assert.Equal(t, "T1053", matches[0].Technique.ID)
}

func TestLoadFile_Errors(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())
	dir := t.TempDir()

	assert.Error(t, kb.LoadFile(filepath.Join(dir, "missing.yaml")))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("techniques: [{name: no id}]"), 0o600))
	assert.ErrorContains(t, kb.LoadFile(bad), "has no id")
}

func TestGetTactic(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())

	byShort, ok := kb.GetTactic("command-and-control")
	require.True(t, ok)
	byID, ok := kb.GetTactic("TA0011")
	require.True(t, ok)
	assert.Same(t, byShort, byID)
}

func TestSubTechniqueURL(t *testing.T) {
	kb := NewKnowledgeBase(zap.NewNop())
	kb.Add(&Technique{ID: "T1059.001", Name: "PowerShell"})

	tech, ok := kb.GetTechnique("T1059.001")
	require.True(t, ok)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1059/001/", tech.URL)
}
