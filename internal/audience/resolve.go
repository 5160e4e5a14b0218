// Package audience turns a broadcast target into an ordered recipient list.
package audience

import (
	"fmt"
	"strings"

	"broadcastd/internal/model"
)

// Resolve returns the opted-in contacts selected by target. All and tag modes keep the input
// order; ContactList keeps the id order. A contact id appears at most once. Phone uniqueness is
// enforced by the contact book on insert, not here. An empty result is not an error here.
func Resolve(contacts []model.Contact, target model.Target) ([]model.Contact, error) {
	var picked []model.Contact
	switch t := target.(type) {
	case model.AllContacts:
		picked = filter(contacts, func(model.Contact) bool { return true })
	case model.TagTarget:
		tag := strings.TrimSpace(t.Tag)
		if tag == "" {
			return nil, model.Invalid("target.tag", "tag is required for tag targeting")
		}
		picked = filter(contacts, func(c model.Contact) bool { return c.HasTag(tag) })
	case model.ContactList:
		byID := make(map[string]model.Contact, len(contacts))
		for _, c := range contacts {
			if _, dup := byID[c.ID]; !dup {
				byID[c.ID] = c
			}
		}
		for _, id := range t.IDs {
			if c, ok := byID[strings.TrimSpace(id)]; ok && c.OptIn {
				picked = append(picked, c)
			}
		}
	case nil:
		return nil, model.Invalid("target", "target is required")
	default:
		return nil, fmt.Errorf("audience: unsupported target %T", target)
	}
	return dedupe(picked), nil
}

func filter(contacts []model.Contact, keep func(model.Contact) bool) []model.Contact {
	out := make([]model.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.OptIn && keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func dedupe(in []model.Contact) []model.Contact {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, c := range in {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
