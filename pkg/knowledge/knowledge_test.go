package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/model"
)

func TestSelect_RanksByKeywordOverlapThenImportance(t *testing.T) {
	now := time.Now()
	docs := []*model.Document{
		{ID: "a", Title: "A", Keywords: []string{"auth"}, Importance: 3, CreatedAt: now},
		{ID: "b", Title: "B", Keywords: []string{"auth", "oauth"}, Importance: 1, CreatedAt: now},
		{ID: "c", Title: "C", Keywords: []string{"billing"}, Importance: 10, CreatedAt: now},
	}

	inj := NewInjector(8)
	selected := inj.Select(docs, []string{"auth", "oauth"})

	require.Len(t, selected, 3)
	assert.Equal(t, "b", selected[0].ID) // 2 keyword matches beats importance
	assert.Equal(t, "a", selected[1].ID) // 1 match
	assert.Equal(t, "c", selected[2].ID) // 0 matches, last
}

func TestSelect_TrimsToMaxDocuments(t *testing.T) {
	docs := make([]*model.Document, 20)
	for i := range docs {
		docs[i] = &model.Document{ID: string(rune('a' + i)), Importance: i}
	}
	inj := NewInjector(5)
	assert.Len(t, inj.Select(docs, nil), 5)
}

func TestSelect_CharacterBudgetDropsTail(t *testing.T) {
	big := make([]byte, defaultMaxChars)
	for i := range big {
		big[i] = 'x'
	}
	docs := []*model.Document{
		{ID: "fits", Title: "small", Content: "short", Importance: 10},
		{ID: "oversized", Title: "huge", Content: string(big), Importance: 5},
	}
	inj := NewInjector(8)
	selected := inj.Select(docs, nil)
	require.Len(t, selected, 1)
	assert.Equal(t, "fits", selected[0].ID)
}

func TestTaskKeywords_UnionsTokensSkillsAndTags(t *testing.T) {
	got := TaskKeywords("Fix auth flow", "OAuth refresh breaks.", []string{"security"}, []string{"backend"})
	assert.Contains(t, got, "fix")
	assert.Contains(t, got, "auth")
	assert.Contains(t, got, "oauth")
	assert.Contains(t, got, "security")
	assert.Contains(t, got, "backend")
}

func TestTaskKeywords_DropsShortTokensAndDuplicates(t *testing.T) {
	got := TaskKeywords("go go GO", "an if of", nil, nil)
	assert.Empty(t, got)

	got = TaskKeywords("auth auth", "", []string{"AUTH"}, nil)
	assert.Equal(t, []string{"auth"}, got)
}

func TestFormat_EmptyReturnsEmptyString(t *testing.T) {
	assert.Equal(t, "", Format(nil))
}

func TestFormat_RendersTitleAndContent(t *testing.T) {
	out := Format([]*model.Document{{Title: "Runbook", Content: "Do the thing."}})
	assert.Contains(t, out, "Runbook")
	assert.Contains(t, out, "Do the thing.")
}
