package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// GroundingChunk is one web document a grounded answer relies on.
type GroundingChunk struct {
	URI   string
	Title string
}

// GroundingSupport attributes the byte span [StartIndex, EndIndex) of the
// answer text to a set of chunks. HasSegment is false when the provider
// sent a support without a segment.
type GroundingSupport struct {
	StartIndex   int
	EndIndex     int
	HasSegment   bool
	ChunkIndices []int
}

// GroundingMetadata is the attribution data of a grounded generation call.
type GroundingMetadata struct {
	Chunks   []GroundingChunk
	Supports []GroundingSupport
}

// CitationSegment is one source backing a citation span.
type CitationSegment struct {
	Label    string `json:"label"`
	ShortURL string `json:"short_url"`
	Value    string `json:"value"`
}

// Citation marks where a marker has to be inserted and which sources back
// the span.
type Citation struct {
	StartIndex int               `json:"start_index"`
	EndIndex   int               `json:"end_index"`
	Segments   []CitationSegment `json:"segments"`
}

// Resolver hands out short aliases for source URLs. One resolver serves one
// branch of one run; the scope keeps aliases unique across branches.
type Resolver struct {
	prefix  string
	scope   string
	aliases map[string]string
	next    int
}

// NewResolver creates a resolver for the given branch of a run. batch is
// the fan-out round, so branches of later loops never reuse an alias.
func NewResolver(prefix, runID string, batch, branchID int) *Resolver {
	return &Resolver{
		prefix:  strings.TrimRight(prefix, "/"),
		scope:   fmt.Sprintf("%s-%d-%d", runID, batch, branchID),
		aliases: make(map[string]string),
	}
}

// Resolve returns the alias of url, assigning the next ordinal the first
// time a URL is seen.
func (r *Resolver) Resolve(url string) string {
	if alias, ok := r.aliases[url]; ok {
		return alias
	}
	alias := fmt.Sprintf("%s/%s-%d", r.prefix, r.scope, r.next)
	r.next++
	r.aliases[url] = alias
	return alias
}

// ResolveChunks resolves every chunk URI in order and returns the mapping.
func (r *Resolver) ResolveChunks(chunks []GroundingChunk) map[string]string {
	out := make(map[string]string, len(chunks))
	for _, c := range chunks {
		if c.URI == "" {
			continue
		}
		out[c.URI] = r.Resolve(c.URI)
	}
	return out
}

// BuildCitations turns grounding supports into citations. Supports without
// an end offset and chunk indices that point nowhere are skipped; a support
// left with no segments produces no citation.
func BuildCitations(md *GroundingMetadata, aliases map[string]string) []Citation {
	if md == nil {
		return nil
	}
	var citations []Citation
	for _, support := range md.Supports {
		if !support.HasSegment || support.EndIndex <= 0 {
			continue
		}
		c := Citation{
			StartIndex: max(support.StartIndex, 0),
			EndIndex:   support.EndIndex,
		}
		for _, idx := range support.ChunkIndices {
			if idx < 0 || idx >= len(md.Chunks) {
				continue
			}
			chunk := md.Chunks[idx]
			if chunk.URI == "" {
				continue
			}
			short, ok := aliases[chunk.URI]
			if !ok {
				short = chunk.URI
			}
			c.Segments = append(c.Segments, CitationSegment{
				Label:    citationLabel(chunk.Title),
				ShortURL: short,
				Value:    chunk.URI,
			})
		}
		if len(c.Segments) > 0 {
			citations = append(citations, c)
		}
	}
	return citations
}

// citationLabel strips the domain suffix grounding titles usually carry
// ("danawa.com" -> "danawa").
func citationLabel(title string) string {
	title = strings.TrimSpace(title)
	if i := strings.Index(title, "."); i > 0 {
		title = title[:i]
	}
	if title == "" {
		return "source"
	}
	return title
}

// InsertCitationMarkers inserts " [label](alias)" after every cited span.
// Offsets refer to the original text, so spans are applied from the highest
// end offset down and earlier insertions never shift pending ones.
func InsertCitationMarkers(text string, citations []Citation) string {
	sorted := make([]Citation, len(citations))
	copy(sorted, citations)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EndIndex != sorted[j].EndIndex {
			return sorted[i].EndIndex > sorted[j].EndIndex
		}
		return sorted[i].StartIndex > sorted[j].StartIndex
	})

	out := text
	for _, c := range sorted {
		end := runeBoundary(text, c.EndIndex)

		var marker strings.Builder
		for _, seg := range c.Segments {
			fmt.Fprintf(&marker, " [%s](%s)", seg.Label, seg.ShortURL)
		}
		out = out[:end] + marker.String() + out[end:]
	}
	return out
}

// runeBoundary clamps offset into text and moves it forward to the start of
// the next rune so a marker never splits a multi-byte character.
func runeBoundary(text string, offset int) int {
	if offset <= 0 {
		return 0
	}
	if offset >= len(text) {
		return len(text)
	}
	for offset < len(text) && !utf8.RuneStart(text[offset]) {
		offset++
	}
	return offset
}

// SourcesFromCitations flattens citation segments into sources for branch.
func SourcesFromCitations(citations []Citation, titles map[string]string, branchID int) []Source {
	var sources []Source
	for _, c := range citations {
		for _, seg := range c.Segments {
			title := titles[seg.Value]
			if title == "" {
				title = seg.Label
			}
			sources = append(sources, Source{
				Title:    title,
				URL:      seg.Value,
				ShortURL: seg.ShortURL,
				Label:    seg.Label,
				BranchID: branchID,
			})
		}
	}
	return sources
}

// ResolveShortURLs replaces every alias found in text with its original URL
// and returns the sources whose alias appeared, in gathered order and
// without duplicates. Sources never referenced are dropped.
func ResolveShortURLs(text string, sources []Source) (string, []Source) {
	byAlias := make(map[string]Source)
	var aliases []string
	for _, s := range sources {
		if s.ShortURL == "" || s.ShortURL == s.URL {
			continue
		}
		if _, ok := byAlias[s.ShortURL]; ok {
			continue
		}
		byAlias[s.ShortURL] = s
		aliases = append(aliases, s.ShortURL)
	}
	// Longest first so ".../x-1" is never matched inside ".../x-10".
	sort.SliceStable(aliases, func(i, j int) bool { return len(aliases[i]) > len(aliases[j]) })

	used := make(map[string]bool)
	for _, alias := range aliases {
		var found bool
		text, found = replaceAlias(text, alias, byAlias[alias].URL)
		if found {
			used[alias] = true
		}
	}

	var out []Source
	seen := make(map[string]bool)
	for _, s := range sources {
		if !used[s.ShortURL] || seen[s.ShortURL] {
			continue
		}
		seen[s.ShortURL] = true
		out = append(out, s)
	}
	return text, out
}

// replaceAlias substitutes alias occurrences not followed by another digit.
func replaceAlias(text, alias, url string) (string, bool) {
	var sb strings.Builder
	found := false
	for {
		i := strings.Index(text, alias)
		if i < 0 {
			sb.WriteString(text)
			break
		}
		after := i + len(alias)
		if after < len(text) && text[after] >= '0' && text[after] <= '9' {
			sb.WriteString(text[:after])
			text = text[after:]
			continue
		}
		found = true
		sb.WriteString(text[:i])
		sb.WriteString(url)
		text = text[after:]
	}
	return sb.String(), found
}

// Link destinations and bare URLs may contain one level of balanced
// parentheses, as in https://en.wikipedia.org/wiki/Model_M_(keyboard).
var (
	markdownLinkRe = regexp.MustCompile(`\[([^\[\]]*)\]\s?\(((?:[^()\s]|\([^()\s]*\))+)\)`)
	bareURLRe      = regexp.MustCompile(`https?://(?:[^\s()\[\]<>"']|\([^\s()\[\]<>"']*\))+`)
	linkOrURLRe    = regexp.MustCompile(markdownLinkRe.String() + `|` + bareURLRe.String())
)

// SanitizeLinks drops every URL of text that is not in allowed. Markdown
// links keep their label, bare URLs are removed, and any alias under prefix
// that survived substitution is removed.
func SanitizeLinks(text string, allowed map[string]bool, prefix string) string {
	text = linkOrURLRe.ReplaceAllStringFunc(text, func(match string) string {
		if strings.HasPrefix(match, "[") {
			m := markdownLinkRe.FindStringSubmatch(match)
			if allowed[m[2]] {
				return match
			}
			return m[1]
		}
		url, trailing := splitTrailingPunct(match)
		if allowed[url] {
			return match
		}
		return trailing
	})
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return text
	}
	aliasRe := regexp.MustCompile(regexp.QuoteMeta(prefix) + `/[A-Za-z0-9_.-]+`)
	return aliasRe.ReplaceAllString(text, "")
}

// splitTrailingPunct separates sentence punctuation that a bare URL match
// swallowed, as in "see https://a.example/p.".
func splitTrailingPunct(url string) (string, string) {
	trimmed := strings.TrimRight(url, ".,;:!?")
	return trimmed, url[len(trimmed):]
}

// AllowedURLs collects the URLs a synthesized answer may link to: the
// gathered source URLs and any URL quoted verbatim in the research text,
// excluding aliases.
func AllowedURLs(sources []Source, research []string, prefix string) map[string]bool {
	prefix = strings.TrimRight(prefix, "/")
	allowed := make(map[string]bool)
	for _, s := range sources {
		if s.URL != "" {
			allowed[s.URL] = true
		}
	}
	for _, r := range research {
		for _, match := range bareURLRe.FindAllString(r, -1) {
			u, _ := splitTrailingPunct(match)
			if prefix != "" && strings.HasPrefix(u, prefix) {
				continue
			}
			allowed[u] = true
		}
	}
	return allowed
}
