package types

import (
	"slices"
	"time"
)

const (
	PollOneOf = "oneOf"
	PollAnyOf = "anyOf"
)

// Poll is the option list of a Question.
type Poll struct {
	Kind    string
	Options []string
}

// Poll reads the options of a Question. ok is false when r carries none.
func (r *RawApObj) Poll() (Poll, bool) {
	for _, kind := range []string{PollOneOf, PollAnyOf} {
		items, ok := r.get(kind)
		if !ok {
			continue
		}
		list, ok := items.([]any)
		if !ok {
			continue
		}
		poll := Poll{Kind: kind}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := m["name"].(string); ok && name != "" {
				poll.Options = append(poll.Options, name)
			}
		}
		return poll, len(poll.Options) > 0
	}
	return Poll{}, false
}

func (p Poll) Has(name string) bool {
	return slices.Contains(p.Options, name)
}

// PollClosed reports whether a Question stopped taking votes at now.
func (r *RawApObj) PollClosed(now time.Time) bool {
	if _, ok := r.get("closed"); ok {
		return true
	}
	end, ok := r.GetString("endTime")
	if !ok {
		return false
	}
	t, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return false
	}
	return !now.Before(t)
}

// SetPollResults rewrites the options of a Question with the given tallies.
func (r *RawApObj) SetPollResults(poll Poll, counts map[string]int, voters int) {
	items := make([]any, 0, len(poll.Options))
	for _, name := range poll.Options {
		items = append(items, map[string]any{
			"type": string(TypeNote),
			"name": name,
			"replies": map[string]any{
				"type":       string(TypeCollection),
				"totalItems": counts[name],
			},
		})
	}
	r.Set(poll.Kind, items)
	r.Set("votersCount", voters)
}
