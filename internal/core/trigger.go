package core

import "regexp"

type triggerKind int

const (
	triggerExplicit triggerKind = iota
	triggerHeuristic
)

// RetrievalTrigger decides whether a request gets retrieved context. The
// caller's explicit flag always wins; the search-intent heuristic only applies
// when the flag was omitted.
type RetrievalTrigger struct {
	kind     triggerKind
	enabled  bool
	patterns []*regexp.Regexp
}

func Explicit(enabled bool) RetrievalTrigger {
	return RetrievalTrigger{kind: triggerExplicit, enabled: enabled}
}

func Heuristic(patterns []*regexp.Regexp) RetrievalTrigger {
	return RetrievalTrigger{kind: triggerHeuristic, patterns: patterns}
}

// TriggerFor picks the trigger for a request. A nil flag falls back to the
// heuristic when heuristicEnabled, and to no retrieval otherwise.
func TriggerFor(enableRAG *bool, heuristicEnabled bool, patterns []*regexp.Regexp) RetrievalTrigger {
	if enableRAG != nil {
		return Explicit(*enableRAG)
	}
	if heuristicEnabled {
		return Heuristic(patterns)
	}
	return Explicit(false)
}

func (t RetrievalTrigger) IsHeuristic() bool {
	return t.kind == triggerHeuristic
}

func (t RetrievalTrigger) ShouldRetrieve(query string) bool {
	if t.kind == triggerExplicit {
		return t.enabled
	}
	for _, re := range t.patterns {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

func (t RetrievalTrigger) String() string {
	if t.kind == triggerHeuristic {
		return "heuristic"
	}
	if t.enabled {
		return "explicit"
	}
	return "off"
}
