package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValidationResult is the structured output of the validation stage.
type ValidationResult struct {
	IsSpecific            bool         `json:"is_specific"`
	ClarificationQuestion string       `json:"clarification_question"`
	UserIntent            string       `json:"user_intent"`
	ExtractedRequirements Requirements `json:"extracted_requirements"`
}

// Requirements accepts either a JSON object or a string holding one; a
// string that is not JSON is kept under "raw_text".
type Requirements map[string]string

func (r *Requirements) UnmarshalJSON(data []byte) error {
	out := make(Requirements)
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		for k, v := range obj {
			out[k] = fmt.Sprint(v)
		}
		*r = out
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null or an unexpected shape: no requirements
		*r = out
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*r = out
		return nil
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		for k, v := range obj {
			out[k] = fmt.Sprint(v)
		}
	} else {
		out["raw_text"] = s
	}
	*r = out
	return nil
}

// String renders the requirements as "key: value" pairs in key order.
func (r Requirements) String() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+r[k])
	}
	return strings.Join(parts, ", ")
}

// SearchQueryResult is the structured output of the planning stage.
type SearchQueryResult struct {
	Queries   []string `json:"queries"`
	Rationale string   `json:"rationale"`
}

// ReflectionResult is the structured output of the reflection stage.
type ReflectionResult struct {
	IsSufficient      bool     `json:"is_sufficient"`
	KnowledgeGap      string   `json:"knowledge_gap"`
	AdditionalQueries []string `json:"additional_queries"`
}

const validationSchema = `{
  "type": "object",
  "properties": {
    "is_specific": {"type": "boolean"},
    "clarification_question": {"type": "string", "description": "Question asking for the missing details; empty when is_specific is true"},
    "user_intent": {"type": "string", "description": "One sentence describing what the user wants to buy and why"},
    "extracted_requirements": {"type": "object", "description": "Requirements such as category, purpose, budget, brand"}
  },
  "required": ["is_specific", "clarification_question", "user_intent", "extracted_requirements"]
}`

const searchQueriesSchema = `{
  "type": "object",
  "properties": {
    "queries": {"type": "array", "items": {"type": "string"}, "description": "Search queries, each covering a different angle"},
    "rationale": {"type": "string"}
  },
  "required": ["queries", "rationale"]
}`

const reflectionSchema = `{
  "type": "object",
  "properties": {
    "is_sufficient": {"type": "boolean"},
    "knowledge_gap": {"type": "string", "description": "Missing information; empty when sufficient"},
    "additional_queries": {"type": "array", "items": {"type": "string"}, "description": "Self-contained follow-up queries; empty when sufficient"}
  },
  "required": ["is_sufficient", "knowledge_gap", "additional_queries"]
}`

func responseFormat(schema string) string {
	return "\n\n# Response Format:\nReturn the JSON object directly without any formatting or additional text. Make sure to answer in valid json and include all required properties:\n" + schema
}
