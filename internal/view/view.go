// Package view merges the built-in catalog with the local overlay into the
// single list the handbook displays.
package view

import (
	"strings"

	"handbookcore/pkg/domain"
)

// Origin classifies where a combined entry came from.
type Origin string

const (
	// OriginBuiltin is an untouched catalog entry.
	OriginBuiltin Origin = "builtin"
	// OriginLocal is a user record with no catalog counterpart.
	OriginLocal Origin = "local"
	// OriginOverride is a user record replacing a catalog entry.
	OriginOverride Origin = "override"
)

// Entry pairs a combined profile with its origin.
type Entry struct {
	Profile domain.Profile
	Origin  Origin
}

// Combine returns the catalog in order with overlay records substituted at the
// position of a matching id, followed by the remaining overlay records in
// overlay order. Each id appears once. Inputs are not modified.
func Combine(builtin, overlay []domain.Profile) []domain.Profile {
	entries := Annotate(builtin, overlay)
	out := make([]domain.Profile, len(entries))
	for i, e := range entries {
		out[i] = e.Profile
	}
	return out
}

// Annotate is Combine with each result tagged by origin.
func Annotate(builtin, overlay []domain.Profile) []Entry {
	local := make(map[string]int, len(overlay))
	for i, p := range overlay {
		local[p.ID] = i
	}
	out := make([]Entry, 0, len(builtin)+len(overlay))
	seen := make(map[string]struct{}, len(builtin)+len(overlay))
	for _, b := range builtin {
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		if i, ok := local[b.ID]; ok {
			// the last overlay record with this id wins
			out = append(out, Entry{Profile: overlay[i].Clone(), Origin: OriginOverride})
			continue
		}
		out = append(out, Entry{Profile: b.Clone(), Origin: OriginBuiltin})
	}
	for i, p := range overlay {
		if _, done := seen[p.ID]; done || local[p.ID] != i {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, Entry{Profile: p.Clone(), Origin: OriginLocal})
	}
	return out
}

// Query narrows a list page. Empty fields match everything; comparisons are
// case-insensitive.
type Query struct {
	Group string
	Tag   string
	Text  string // matched against id, commonName and scientificName
}

// Filter returns the profiles matching q, preserving order.
func Filter(profiles []domain.Profile, q Query) []domain.Profile {
	out := make([]domain.Profile, 0, len(profiles))
	for _, p := range profiles {
		if q.matches(p) {
			out = append(out, p)
		}
	}
	return out
}

func (q Query) matches(p domain.Profile) bool {
	if q.Group != "" {
		var group string
		if _, err := p.DecodeField("group", &group); err != nil || !strings.EqualFold(group, q.Group) {
			return false
		}
	}
	if q.Tag != "" {
		var tags []string
		_, _ = p.DecodeField("tags", &tags)
		found := false
		for _, tag := range tags {
			if strings.EqualFold(tag, q.Tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if text := strings.ToLower(strings.TrimSpace(q.Text)); text != "" {
		var common, scientific string
		_, _ = p.DecodeField("commonName", &common)
		_, _ = p.DecodeField("scientificName", &scientific)
		hay := strings.ToLower(p.ID + "\n" + common + "\n" + scientific)
		if !strings.Contains(hay, text) {
			return false
		}
	}
	return true
}
