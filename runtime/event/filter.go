package event

// Filter selects the records a subscriber receives. Zero-value filters match
// everything live (no replay).
type Filter struct {
	// Kinds restricts to event or trace records. Empty matches both.
	Kinds []Kind `json:"kinds,omitempty"`
	// Types restricts events to the listed types, exact match. Empty
	// matches all types. Traces are unaffected by Types.
	Types []string `json:"types,omitempty"`
	// Categories restricts traces to the listed categories. Empty matches
	// all categories. Events are unaffected by Categories.
	Categories []Category `json:"categories,omitempty"`
	// Replay requests history with Seq > SinceSeq before the live feed.
	// With Replay false the subscription is live only.
	Replay bool `json:"replay,omitempty"`
	// SinceSeq is the replay floor; records with Seq <= SinceSeq are
	// skipped. Zero replays from the start of the stream.
	SinceSeq uint64 `json:"sinceSeq,omitempty"`
}

// MatchesEvent reports whether the filter admits e.
func (f Filter) MatchesEvent(e *Event) bool {
	if !f.admitsKind(KindEvent) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// MatchesTrace reports whether the filter admits t.
func (f Filter) MatchesTrace(t *TraceEvent) bool {
	if !f.admitsKind(KindTrace) {
		return false
	}
	if len(f.Categories) == 0 {
		return true
	}
	for _, c := range f.Categories {
		if c == t.Category {
			return true
		}
	}
	return false
}

// MatchesEnvelope reports whether the filter admits a wire envelope. Used on
// replay paths where only the envelope form is available.
func (f Filter) MatchesEnvelope(env Envelope) bool {
	if !f.admitsKind(env.Kind) {
		return false
	}
	switch env.Kind {
	case KindEvent:
		if len(f.Types) == 0 {
			return true
		}
		for _, t := range f.Types {
			if t == env.Type {
				return true
			}
		}
		return false
	case KindTrace:
		if len(f.Categories) == 0 {
			return true
		}
		cat, _ := env.Payload["category"].(string)
		for _, c := range f.Categories {
			if string(c) == cat {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (f Filter) admitsKind(k Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}
