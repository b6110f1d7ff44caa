package silo

import (
	"sort"
)

// Query selects a page of activation metadata.
type Query struct {
	// TypeFilter restricts results to one actor type. Empty matches
	// all types.
	TypeFilter string

	// IDGlob restricts results to IDs matching a glob where `*` matches
	// any run and `?` matches one character. Empty matches all IDs.
	IDGlob string

	// Page is the 1-based page number. Zero means page 1.
	Page int

	// PageSize is the page length. Zero means 50.
	PageSize int
}

// DefaultPageSize is the page length when the query leaves it unset.
const DefaultPageSize = 50

// Page is one page of activation metadata.
type Page struct {
	// Items are the activations on this page, ordered by identity.
	Items []ActivationInfo `json:"items"`

	// TotalCount is the number of matches across all pages.
	TotalCount int `json:"totalCount"`

	// PageNumber is the 1-based page number served.
	PageNumber int `json:"pageNumber"`

	// PageSize is the page length used.
	PageSize int `json:"pageSize"`

	// TotalPages is the page count for this filter.
	TotalPages int `json:"totalPages"`

	// HasNext reports whether a later page exists.
	HasNext bool `json:"hasNext"`

	// HasPrev reports whether an earlier page exists.
	HasPrev bool `json:"hasPrev"`
}

// QueryActivations returns one page of activation metadata matching the
// filters.
func (s *Silo) QueryActivations(q Query) Page {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}

	s.mu.Lock()
	matched := make([]*activation, 0, len(s.activations))
	for _, act := range s.activations {
		if act.mb == nil {
			continue
		}
		if q.TypeFilter != "" && act.actorType != q.TypeFilter {
			continue
		}
		if q.IDGlob != "" && !matchGlob(q.IDGlob, act.actorID) {
			continue
		}

		matched = append(matched, act)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].identity < matched[j].identity
	})

	total := len(matched)
	totalPages := (total + q.PageSize - 1) / q.PageSize

	start := (q.Page - 1) * q.PageSize
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}

	items := make([]ActivationInfo, 0, end-start)
	for _, act := range matched[start:end] {
		items = append(items, act.info())
	}

	return Page{
		Items:      items,
		TotalCount: total,
		PageNumber: q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
		HasNext:    q.Page < totalPages,
		HasPrev:    q.Page > 1 && total > 0,
	}
}

// CountsByType returns the live activation count per actor type plus the
// overall total.
func (s *Silo) CountsByType() (map[string]int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, act := range s.activations {
		counts[act.actorType]++
	}

	return counts, len(s.activations)
}

// matchGlob reports whether s matches a pattern where `*` matches any run
// of characters and `?` matches exactly one.
func matchGlob(pattern, s string) bool {
	// Iterative matcher with single-star backtracking.
	var (
		pi, si         int
		starPi, starSi = -1, 0
	)

	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' ||
			pattern[pi] == s[si]):

			pi++
			si++

		case pi < len(pattern) && pattern[pi] == '*':
			starPi, starSi = pi, si
			pi++

		case starPi >= 0:
			// Grow the last star's span by one and retry.
			starSi++
			pi, si = starPi+1, starSi

		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}

	return pi == len(pattern)
}
