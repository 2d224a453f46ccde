package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginTurnResetsTurnScopedFields(t *testing.T) {
	s := &ConversationState{
		Messages:           []Message{{Role: "ai", Content: "hello"}, {Role: RoleUser, Content: "  "}},
		SearchQueries:      []string{"old"},
		WebResearchResults: []string{"old research"},
		SourcesGathered:    []Source{{URL: "https://old"}},
		SearchLoopCount:    2,
		ResponseToUser:     "old answer",
		IsClarification:    true,
	}

	s.BeginTurn(" 10만원 이하 키보드 ")

	assert.Equal(t, []Message{
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "10만원 이하 키보드"},
	}, s.Messages)
	assert.Empty(t, s.SearchQueries)
	assert.Empty(t, s.WebResearchResults)
	assert.Empty(t, s.SourcesGathered)
	assert.Zero(t, s.SearchLoopCount)
	assert.Empty(t, s.ResponseToUser)
	assert.False(t, s.IsClarification)
}

func TestNormalizeRole(t *testing.T) {
	tests := map[string]Role{
		"assistant": RoleAssistant,
		"AI":        RoleAssistant,
		"model":     RoleAssistant,
		"human":     RoleUser,
		"user":      RoleUser,
		"":          RoleUser,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeRole(in), in)
	}
}

func TestTopic(t *testing.T) {
	s := NewConversationState()
	s.BeginTurn("키보드 추천해줘")
	assert.Equal(t, "키보드 추천해줘", s.Topic(6))

	s.Apply(StateUpdate{AppendMessages: []Message{{Role: RoleAssistant, Content: "예산은요?"}}})
	s.BeginTurn("10만원")
	assert.Equal(t, "User: 키보드 추천해줘\nAssistant: 예산은요?\nUser: 10만원\n", s.Topic(6))
	assert.Equal(t, "Assistant: 예산은요?\nUser: 10만원\n", s.Topic(2))
	assert.Equal(t, "10만원", s.LatestUserMessage())
}

func TestMergeBranchesIsOrderInsensitive(t *testing.T) {
	a := BranchResult{ID: 0, Query: "q1", Text: "r1", Sources: []Source{{URL: "u1"}}}
	b := BranchResult{ID: 1, Query: "q2", Text: "r2", Sources: []Source{{URL: "u2"}, {URL: "u3"}}}
	c := BranchResult{ID: 2, Query: "q1", Text: "r3"}

	m1 := MergeBranches([]BranchResult{a, b, c})
	m2 := MergeBranches([]BranchResult{c, b, a})

	assert.ElementsMatch(t, m1.SearchQueries, m2.SearchQueries)
	assert.ElementsMatch(t, m1.WebResearchResults, m2.WebResearchResults)
	assert.ElementsMatch(t, m1.SourcesGathered, m2.SourcesGathered)
	assert.Len(t, m1.SearchQueries, 2)
	assert.Len(t, m1.SourcesGathered, 3)
}

func TestApplyMergeUnionsQueries(t *testing.T) {
	s := &ConversationState{SearchQueries: []string{"q1"}, WebResearchResults: []string{"r0"}}

	s.ApplyMerge(MergeBranches([]BranchResult{{Query: "q1", Text: "r1"}, {Query: "q2", Text: "r2"}}))

	assert.Equal(t, []string{"q1", "q2"}, s.SearchQueries)
	assert.Equal(t, []string{"r0", "r1", "r2"}, s.WebResearchResults)
}

func TestCloneIsDeep(t *testing.T) {
	s := &ConversationState{
		Messages:     []Message{{Role: RoleUser, Content: "a"}},
		Requirements: map[string]string{"budget": "10"},
	}
	c := s.Clone()
	c.Messages[0].Content = "changed"
	c.Requirements["budget"] = "20"

	assert.Equal(t, "a", s.Messages[0].Content)
	assert.Equal(t, "10", s.Requirements["budget"])
}

func TestStateJSONRoundTrip(t *testing.T) {
	s := NewConversationState()
	s.BeginTurn("키보드")
	s.SourcesUsed = []Source{{Title: "t", URL: "u", BranchID: 1}}

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sources_used":[{"title":"t","url":"u","branch_id":1}]`)

	var back ConversationState
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, s.Messages, back.Messages)
}

func TestRequirementsUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Requirements
	}{
		{"object", `{"budget": 100000, "brand": "logitech"}`, Requirements{"budget": "100000", "brand": "logitech"}},
		{"string object", `"{\"budget\": \"10만원\"}"`, Requirements{"budget": "10만원"}},
		{"raw text", `"cheap and quiet"`, Requirements{"raw_text": "cheap and quiet"}},
		{"null", `null`, Requirements{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Requirements
			require.NoError(t, json.Unmarshal([]byte(tt.in), &r))
			assert.Equal(t, tt.want, r)
		})
	}
}

func TestConfigOverrides(t *testing.T) {
	base := DefaultConfig()
	q, loops := 5, 1
	mode := ModeReport

	got, err := base.WithOverrides(Overrides{MaxSearchQueries: &q, MaxSearchLoops: &loops, Mode: &mode})
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxSearchQueries)
	assert.Equal(t, 1, got.MaxSearchLoops)
	assert.Equal(t, ModeReport, got.Mode)
	assert.Equal(t, DefaultMaxSearchQueries, base.MaxSearchQueries)

	bad := 0
	_, err = base.WithOverrides(Overrides{MaxSearchLoops: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	tooMany := 11
	_, err = base.WithOverrides(Overrides{MaxSearchQueries: &tooMany})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseMode("poem")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
