// Package mitre provides MITRE ATT&CK reference data and retrieval of the
// techniques most relevant to observed host behaviour.
package mitre

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Fallback is returned when no technique clears the similarity threshold.
const Fallback = "No specific MITRE data found."

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID          string   `json:"id" yaml:"id"`     // e.g., "T1496"
	Name        string   `json:"name" yaml:"name"` // e.g., "Resource Hijacking"
	Description string   `json:"description" yaml:"description"`
	Tactics     []string `json:"tactics" yaml:"tactics"` // e.g., ["impact"]
	Detection   string   `json:"detection" yaml:"detection"`
	Mitigations []string `json:"mitigations" yaml:"mitigations"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords"`
	URL         string   `json:"url" yaml:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0040"
	Name      string `json:"name"`       // e.g., "Impact"
	ShortName string `json:"short_name"` // e.g., "impact"
	URL       string `json:"url"`
}

// Match is a retrieved technique with its similarity to the query.
type Match struct {
	Technique *Technique `json:"technique"`
	Score     float64    `json:"score"`
}

// KnowledgeBase holds ATT&CK techniques and answers similarity queries
// over them. It is safe for concurrent use.
type KnowledgeBase struct {
	techniques map[string]*Technique
	terms      map[string]map[string]int
	tactics    map[string]*Tactic
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewKnowledgeBase creates a knowledge base seeded with the built-in
// techniques.
func NewKnowledgeBase(logger *zap.Logger) *KnowledgeBase {
	kb := &KnowledgeBase{
		techniques: make(map[string]*Technique),
		terms:      make(map[string]map[string]int),
		tactics:    make(map[string]*Tactic),
		logger:     logger,
	}

	kb.initializeTactics()
	for _, t := range builtinTechniques() {
		kb.Add(t)
	}
	return kb
}

type knowledgeFile struct {
	Techniques []*Technique `yaml:"techniques"`
}

// LoadFile merges techniques from a YAML file. Entries replace built-in
// techniques with the same ID.
func (kb *KnowledgeBase) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read knowledge file: %w", err)
	}

	var f knowledgeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse knowledge file: %w", err)
	}

	for i, t := range f.Techniques {
		if t == nil || strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("knowledge file entry %d has no id", i)
		}
		kb.Add(t)
	}

	kb.logger.Info("Loaded MITRE knowledge file",
		zap.String("path", path),
		zap.Int("techniques", len(f.Techniques)),
	)
	return nil
}

// Add indexes a technique, replacing any with the same ID.
func (kb *KnowledgeBase) Add(t *Technique) {
	t.ID = strings.ToUpper(strings.TrimSpace(t.ID))
	if t.URL == "" {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
	}

	doc := strings.Join([]string{
		t.Name,
		t.Description,
		t.Detection,
		strings.Join(t.Keywords, " "),
		strings.Join(t.Tactics, " "),
	}, " ")

	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.techniques[t.ID] = t
	kb.terms[t.ID] = termCounts(doc)
}

// Len returns the number of techniques.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.techniques)
}

// GetTechnique returns a technique by ID
func (kb *KnowledgeBase) GetTechnique(id string) (*Technique, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	t, ok := kb.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (kb *KnowledgeBase) GetTactic(id string) (*Tactic, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	t, ok := kb.tactics[strings.ToLower(id)]
	return t, ok
}

// Search returns up to k techniques whose similarity to query is at least
// threshold, best first. Similarity is the share of distinct query terms
// found in the technique text, ties broken by how often they occur.
func (kb *KnowledgeBase) Search(query string, k int, threshold float64) []Match {
	q := termCounts(query)
	if len(q) == 0 || k <= 0 {
		return nil
	}

	type scored struct {
		Match
		hits int
	}

	kb.mu.RLock()
	results := make([]scored, 0, len(kb.techniques))
	for id, doc := range kb.terms {
		matched, hits := 0, 0
		for term := range q {
			if n := doc[term]; n > 0 {
				matched++
				hits += n
			}
		}
		score := float64(matched) / float64(len(q))
		if matched == 0 || score < threshold {
			continue
		}
		results = append(results, scored{Match: Match{Technique: kb.techniques[id], Score: score}, hits: hits})
	}
	kb.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].hits != results[j].hits {
			return results[i].hits > results[j].hits
		}
		return results[i].Technique.ID < results[j].Technique.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	out := make([]Match, len(results))
	for i, r := range results {
		out[i] = r.Match
	}
	return out
}

// Retrieve renders the best matches for query as reference text, or
// Fallback when nothing is similar enough.
func (kb *KnowledgeBase) Retrieve(query string, k int, threshold float64) string {
	matches := kb.Search(query, k, threshold)
	if len(matches) == 0 {
		return Fallback
	}

	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, kb.excerpt(m.Technique))
	}
	return strings.Join(parts, "\n\n")
}

func (kb *KnowledgeBase) excerpt(t *Technique) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", t.ID, t.Name)

	tactics := make([]string, 0, len(t.Tactics))
	for _, name := range t.Tactics {
		if tactic, ok := kb.GetTactic(name); ok {
			tactics = append(tactics, tactic.Name)
		} else {
			tactics = append(tactics, name)
		}
	}
	if len(tactics) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(tactics, ", "))
	}

	if t.Description != "" {
		fmt.Fprintf(&b, ": %s", t.Description)
	}
	if t.Detection != "" {
		fmt.Fprintf(&b, "\nDetection: %s", t.Detection)
	}
	if len(t.Mitigations) > 0 {
		fmt.Fprintf(&b, "\nMitigations: %s", strings.Join(t.Mitigations, "; "))
	}
	return b.String()
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "with": true, "may": true, "can": true,
}

// termCounts tokenizes text into lower-case, lightly stemmed terms.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		counts[stem(f)]++
	}
	return counts
}

func stem(term string) string {
	switch {
	case len(term) > 4 && strings.HasSuffix(term, "ies"):
		return term[:len(term)-3] + "y"
	case len(term) > 3 && strings.HasSuffix(term, "s") && !strings.HasSuffix(term, "ss"):
		return term[:len(term)-1]
	}
	return term
}

func (kb *KnowledgeBase) initializeTactics() {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		kb.tactics[t.ShortName] = t
		kb.tactics[strings.ToLower(t.ID)] = t
	}
}
