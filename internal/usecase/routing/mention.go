package routing

import (
	"regexp"
	"sort"
	"strings"

	"chorus/internal/domain"
)

// minIdentifierLen keeps very short aliases from matching ordinary words.
const minIdentifierLen = 3

// MentionMatcher finds whole-word, case-insensitive references to one
// agent's identifiers in message text.
type MentionMatcher struct {
	identifiers []string
	re          *regexp.Regexp
	added       []string
}

// NewMentionMatcher builds the identifier set for ch: its ID, username and
// aliases, each with case, underscore and "bot" suffix variants.
func NewMentionMatcher(ch domain.Character, extra ...string) *MentionMatcher {
	bases := append([]string{ch.AgentID, ch.Username}, ch.Aliases...)
	bases = append(bases, extra...)

	set := make(map[string]struct{})
	for _, b := range bases {
		for _, v := range variants(b) {
			if len([]rune(v)) >= minIdentifierLen {
				set[v] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	// Longest first so the alternation prefers the most specific identifier.
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})

	m := &MentionMatcher{identifiers: ids, added: append([]string(nil), extra...)}
	if len(ids) > 0 {
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = regexp.QuoteMeta(id)
		}
		m.re = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])(` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}\p{N}_])`)
	}
	return m
}

// variants expands one identifier into the spellings people actually type.
func variants(id string) []string {
	base := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(id), "@")))
	if base == "" {
		return nil
	}

	stems := []string{base}
	switch {
	case strings.HasSuffix(base, "_bot"):
		stems = append(stems, strings.TrimSuffix(base, "_bot"))
	case strings.HasSuffix(base, "bot") && len(base) > len("bot"):
		stems = append(stems, strings.TrimSuffix(base, "bot"))
	}

	var out []string
	for _, s := range stems {
		for _, form := range []string{s, strings.ReplaceAll(s, "_", "")} {
			if form == "" {
				continue
			}
			out = append(out, form, form+"_bot", form+"bot")
		}
	}
	return out
}

// Identifiers returns the recognized identifiers, longest first.
func (m *MentionMatcher) Identifiers() []string {
	return append([]string(nil), m.identifiers...)
}

// Match returns the first identifier mentioned in text.
func (m *MentionMatcher) Match(text string) (string, bool) {
	if m.re == nil || text == "" {
		return "", false
	}
	sub := m.re.FindStringSubmatch(text)
	if sub == nil {
		return "", false
	}
	return strings.ToLower(sub[1]), true
}

func (m *MentionMatcher) extra() []string {
	return append([]string(nil), m.added...)
}
