// Package knowledge selects the documents that layer 5 of the Prompt
// Composer injects into an agent's prompt.
package knowledge

import (
	"sort"
	"strings"

	"github.com/agentmesh/orchestrator/pkg/model"
)

// defaultMaxChars bounds the injected text so the composed prompt stays
// well inside the provider's context window.
const defaultMaxChars = 24000

// Injector ranks and trims documents visible to a task's scopes.
type Injector struct {
	maxDocuments int
	maxChars     int
}

// NewInjector returns an Injector that selects at most maxDocuments
// documents per call (config key knowledge.maxDocuments, default 8).
func NewInjector(maxDocuments int) *Injector {
	if maxDocuments <= 0 {
		maxDocuments = 8
	}
	return &Injector{maxDocuments: maxDocuments, maxChars: defaultMaxChars}
}

// Select ranks candidates by keyword overlap with taskKeywords (primary
// signal), breaking ties by importance then recency, and returns at most
// maxDocuments entries.
func (inj *Injector) Select(candidates []*model.Document, taskKeywords []string) []*model.Document {
	type scored struct {
		doc     *model.Document
		overlap int
	}
	want := make(map[string]struct{}, len(taskKeywords))
	for _, k := range taskKeywords {
		want[strings.ToLower(k)] = struct{}{}
	}

	ranked := make([]scored, 0, len(candidates))
	for _, d := range candidates {
		overlap := 0
		for _, k := range d.Keywords {
			if _, ok := want[strings.ToLower(k)]; ok {
				overlap++
			}
		}
		ranked = append(ranked, scored{doc: d, overlap: overlap})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].overlap != ranked[j].overlap {
			return ranked[i].overlap > ranked[j].overlap
		}
		if ranked[i].doc.Importance != ranked[j].doc.Importance {
			return ranked[i].doc.Importance > ranked[j].doc.Importance
		}
		return ranked[i].doc.CreatedAt.After(ranked[j].doc.CreatedAt)
	})

	n := inj.maxDocuments
	if n > len(ranked) {
		n = len(ranked)
	}

	// Character budget: the ranking already places the documents with the
	// fewest keyword matches last (the least important last among equal
	// matches), so trimming the tail drops those first.
	out := make([]*model.Document, 0, n)
	budget := inj.maxChars
	for i := 0; i < n; i++ {
		doc := ranked[i].doc
		size := len(doc.Title) + len(doc.Content)
		if size > budget && len(out) > 0 {
			break
		}
		out = append(out, doc)
		budget -= size
	}
	return out
}

// TaskKeywords derives the keyword set for a task: title and description
// tokens plus its declared required skills and tags.
// Tokens shorter than three characters are dropped — they match everything
// and rank nothing.
func TaskKeywords(title, description string, requiredSkills, tags []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		k = strings.ToLower(strings.Trim(k, ".,:;!?\"'()[]{}"))
		if len(k) < 3 {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	for _, tok := range strings.Fields(title) {
		add(tok)
	}
	for _, tok := range strings.Fields(description) {
		add(tok)
	}
	for _, s := range requiredSkills {
		add(s)
	}
	for _, t := range tags {
		add(t)
	}
	return out
}

// Format renders selected documents as the text block layer 5 of the Prompt
// Composer injects verbatim.
func Format(docs []*model.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant knowledge:\n\n")
	for _, d := range docs {
		sb.WriteString("### ")
		sb.WriteString(d.Title)
		sb.WriteString("\n")
		sb.WriteString(d.Content)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
