package agent

import (
	"strings"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NormalizeRole maps the role names used by model providers and older
// checkpoints onto the two roles the graph understands.
func NormalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "ai", "model", "bot":
		return RoleAssistant
	default:
		return RoleUser
	}
}

// NormalizeMessages returns a copy of msgs with normalized roles and
// empty turns dropped.
func NormalizeMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		out = append(out, Message{Role: NormalizeRole(string(m.Role)), Content: content})
	}
	return out
}

// Source is one grounding citation gathered by a search branch.
type Source struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	ShortURL string `json:"short_url,omitempty"`
	Label    string `json:"label,omitempty"`
	BranchID int    `json:"branch_id"`
}

// ConversationState accumulates everything produced during one turn.
// Messages survive across turns; every other field is turn scoped and
// reset by BeginTurn.
type ConversationState struct {
	Messages []Message `json:"messages"`

	IsRequestSpecific bool              `json:"is_request_specific"`
	UserIntent        string            `json:"user_intent"`
	Requirements      map[string]string `json:"requirements,omitempty"`

	PlannedQueries     []string `json:"planned_queries,omitempty"`
	SearchQueries      []string `json:"search_queries"`
	WebResearchResults []string `json:"web_research_results"`
	SourcesGathered    []Source `json:"sources_gathered"`

	IsSufficient      bool     `json:"is_sufficient"`
	KnowledgeGap      string   `json:"knowledge_gap,omitempty"`
	AdditionalQueries []string `json:"additional_queries,omitempty"`
	SearchLoopCount   int      `json:"search_loop_count"`

	ResponseToUser  string   `json:"response_to_user"`
	IsClarification bool     `json:"is_clarification"`
	SourcesUsed     []Source `json:"sources_used"`
}

// NewConversationState returns an empty state.
func NewConversationState() *ConversationState {
	return &ConversationState{}
}

// BeginTurn clears turn-scoped fields and appends the user's message.
func (s *ConversationState) BeginTurn(userMessage string) {
	msgs := NormalizeMessages(s.Messages)
	*s = ConversationState{Messages: msgs}
	s.Messages = append(s.Messages, Message{Role: RoleUser, Content: strings.TrimSpace(userMessage)})
}

// LatestUserMessage returns the content of the most recent user turn.
func (s *ConversationState) LatestUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Topic renders the last window messages as the request the stages reason
// about. A single message is returned verbatim.
func (s *ConversationState) Topic(window int) string {
	msgs := s.Messages
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	if len(msgs) == 1 {
		return msgs[0].Content
	}

	var sb strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			sb.WriteString("User: ")
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Clone returns a deep copy safe to hand to a stage or a checkpoint store.
func (s *ConversationState) Clone() *ConversationState {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.PlannedQueries = append([]string(nil), s.PlannedQueries...)
	c.SearchQueries = append([]string(nil), s.SearchQueries...)
	c.WebResearchResults = append([]string(nil), s.WebResearchResults...)
	c.SourcesGathered = append([]Source(nil), s.SourcesGathered...)
	c.AdditionalQueries = append([]string(nil), s.AdditionalQueries...)
	c.SourcesUsed = append([]Source(nil), s.SourcesUsed...)
	if s.Requirements != nil {
		c.Requirements = make(map[string]string, len(s.Requirements))
		for k, v := range s.Requirements {
			c.Requirements[k] = v
		}
	}
	return &c
}

// StateUpdate is the partial update a stage returns. Nil fields are left
// untouched by Apply.
type StateUpdate struct {
	IsRequestSpecific *bool
	UserIntent        *string
	Requirements      map[string]string

	PlannedQueries []string

	IsSufficient      *bool
	KnowledgeGap      *string
	AdditionalQueries []string
	SearchLoopCount   *int

	ResponseToUser  *string
	IsClarification *bool
	SourcesUsed     []Source

	AppendMessages []Message
}

// Apply writes u into s. PlannedQueries and AdditionalQueries replace the
// previous batch; messages are appended.
func (s *ConversationState) Apply(u StateUpdate) {
	if u.IsRequestSpecific != nil {
		s.IsRequestSpecific = *u.IsRequestSpecific
	}
	if u.UserIntent != nil {
		s.UserIntent = *u.UserIntent
	}
	if u.Requirements != nil {
		s.Requirements = u.Requirements
	}
	if u.PlannedQueries != nil {
		s.PlannedQueries = u.PlannedQueries
	}
	if u.IsSufficient != nil {
		s.IsSufficient = *u.IsSufficient
	}
	if u.KnowledgeGap != nil {
		s.KnowledgeGap = *u.KnowledgeGap
	}
	if u.AdditionalQueries != nil {
		s.AdditionalQueries = u.AdditionalQueries
	}
	if u.SearchLoopCount != nil {
		s.SearchLoopCount = *u.SearchLoopCount
	}
	if u.ResponseToUser != nil {
		s.ResponseToUser = *u.ResponseToUser
	}
	if u.IsClarification != nil {
		s.IsClarification = *u.IsClarification
	}
	if u.SourcesUsed != nil {
		s.SourcesUsed = u.SourcesUsed
	}
	s.Messages = append(s.Messages, u.AppendMessages...)
}

// BranchResult is what a single search branch contributes to the state.
type BranchResult struct {
	ID       int      `json:"id"`
	Query    string   `json:"query"`
	Text     string   `json:"text"`
	Sources  []Source `json:"sources"`
	Degraded bool     `json:"degraded"`
	Err      string   `json:"error,omitempty"`
}

// BranchMerge is the folded contribution of every branch of one fan-out.
type BranchMerge struct {
	SearchQueries      []string
	WebResearchResults []string
	SourcesGathered    []Source
}

// MergeBranches folds branch results with append/union semantics. The fold
// is order-insensitive up to element order: queries are a set, results and
// sources are multisets.
func MergeBranches(results []BranchResult) BranchMerge {
	var m BranchMerge
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Query != "" && !seen[r.Query] {
			seen[r.Query] = true
			m.SearchQueries = append(m.SearchQueries, r.Query)
		}
		m.WebResearchResults = append(m.WebResearchResults, r.Text)
		m.SourcesGathered = append(m.SourcesGathered, r.Sources...)
	}
	return m
}

// ApplyMerge writes a folded fan-out into the state in one step.
func (s *ConversationState) ApplyMerge(m BranchMerge) {
	for _, q := range m.SearchQueries {
		if !containsString(s.SearchQueries, q) {
			s.SearchQueries = append(s.SearchQueries, q)
		}
	}
	s.WebResearchResults = append(s.WebResearchResults, m.WebResearchResults...)
	s.SourcesGathered = append(s.SourcesGathered, m.SourcesGathered...)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }
