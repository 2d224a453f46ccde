package agent

import (
	"fmt"
	"strings"
	"time"
)

// Role lines open every system prompt.
const (
	validatorRole  = "You are a product recommendation expert who checks whether a shopping request is specific enough to search for."
	plannerRole    = "You are a product search expert who writes web search queries for Korean community and review sites."
	searcherRole   = "Collect up-to-date, verifiable product information from Korean product recommendation sites."
	reflectorRole  = "You are a research assistant who evaluates whether product search results answer the user's request."
	answererRole   = "You write concise product recommendations based only on the research provided."
	reporterRole   = "You write warm, readable product recommendation reports based only on the research provided."
	noResultsNotes = "No search results were found."
)

func currentDate() string {
	return time.Now().Format("2006-01-02")
}

func validationPrompt(topic string) (string, string) {
	system := validatorRole + `

Instructions:
- Decide whether the request can be searched productively as it is.
- A specific request names a product category AND at least one of: purpose or use case, budget, brand preference, or a required feature.
- If the request is not specific, write one short clarification question in the user's language asking for the missing details.
- The current date is ` + currentDate() + `.

Not specific:
- "키보드 추천해줘"
- "좋은 노트북 알려줘"
- "이어폰 뭐가 좋을까?"

Specific:
- "10만원 이하 가성비 좋은 게이밍 키보드 추천해줘"
- "대학생용 문서작업 노트북 추천, 예산 100만원"
- "운동할 때 쓸 무선 이어폰, 방수 기능 있는 걸로"` + responseFormat(validationSchema)

	human := "Analyze this request:\n" + topic
	return system, human
}

func queryPrompt(topic, intent string, requirements Requirements, searched []string, maxQueries int) (string, string) {
	var sb strings.Builder
	sb.WriteString(plannerRole)
	fmt.Fprintf(&sb, `

Instructions:
- Write at most %d queries. Each query must cover a different angle: price tier, brand, use case, or community reviews.
- Use keywords that work well on Korean communities and review sites (e.g. 디시, 클리앙, 뽐뿌, 다나와).
- Prefer queries that surface recent information. The current date is %s.
- Every query must be self-contained.`, maxQueries, currentDate())
	if len(searched) > 0 {
		sb.WriteString("\n- Do not repeat these already searched queries:\n")
		for _, q := range searched {
			sb.WriteString("  - " + q + "\n")
		}
	}
	sb.WriteString(responseFormat(searchQueriesSchema))

	human := fmt.Sprintf("Request:\n%s\nIntent: %s", topic, intent)
	if len(requirements) > 0 {
		human += "\nRequirements: " + requirements.String()
	}
	return sb.String(), human
}

func webSearchPrompt(query string) string {
	return searcherRole + `

Instructions:
- The current date is ` + currentDate() + `. Prefer the most recent information.
- Gather information from several Korean community and shopping sites (Naver blogs and cafes, DCInside, Clien, Ppomppu, Danawa, Coupang).
- Only include information found in the search results. Never invent products, prices, or links.
- For each recommended product report: exact model name, price or price range, key features, why reviewers recommend it, and the product or purchase link if the results contain one.

Search topic: ` + query
}

func reflectionPrompt(request string, queries []string, research string) (string, string) {
	system := reflectorRole + `

Instructions:
- Judge the results on three criteria: diversity of products and sources, coverage of price tiers relevant to the request, and depth of technical detail the request calls for.
- If the results are sufficient, return no follow-up queries.
- If they are not, describe the knowledge gap and write concrete follow-up queries.
- Follow-up queries must be self-contained and include the context needed for a web search; never write fragments that depend on earlier queries.` + responseFormat(reflectionSchema)

	human := fmt.Sprintf("User request: %s\nQueries so far: %s\n\nResearch results:\n%s",
		request, strings.Join(queries, "; "), research)
	return system, human
}

func synthesisPrompt(mode Mode, request, research, earlier string, maxProducts int) (string, string) {
	var sb strings.Builder
	switch mode {
	case ModeReport:
		sb.WriteString(reporterRole)
		fmt.Fprintf(&sb, `

Instructions:
- Write in the user's language with a friendly, practical tone, mostly in natural paragraphs with little visible markdown.
- If this is a follow-up request, open with one sentence answering it directly.
- Structure: a quoted title, a one-line introduction, a divider, %d numbered products ("1. Product - tagline" followed by two or three sentences and a price line), a divider, and a short tips section.
- Cite with [label](url) using only the links present in the research.
- Leave out anything the research does not support.`, maxProducts)
	default:
		sb.WriteString(answererRole)
		fmt.Fprintf(&sb, `

Instructions:
- Start directly with at most %d recommended products. Skip greetings and process descriptions.
- For each product give the name, price range, key features, and the reason to buy, briefly.
- Cite sources in markdown as [label](url) using only links present in the research.
- Only include purchase links that appear in the research. Never invent links or mark links as examples.
- Answer in the user's language.`, maxProducts)
	}

	sb.WriteString("\n\nUser request: " + request)
	sb.WriteString("\n\nResearch:\n" + research)
	if earlier != "" {
		sb.WriteString("\n\nEarlier research in this conversation:\n" + earlier)
	}
	return sb.String(), "Write the recommendation for the user based on the research above."
}
