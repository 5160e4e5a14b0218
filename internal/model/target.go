package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Target selects a broadcast audience. The set of implementations is closed:
// AllContacts, TagTarget and ContactList.
type Target interface {
	isTarget()
	String() string
}

// AllContacts selects every opted-in contact.
type AllContacts struct{}

// TagTarget selects opted-in contacts carrying Tag.
type TagTarget struct{ Tag string }

// ContactList selects opted-in contacts by id, in the given order.
type ContactList struct{ IDs []string }

func (AllContacts) isTarget() {}
func (TagTarget) isTarget()   {}
func (ContactList) isTarget() {}

func (AllContacts) String() string   { return "all" }
func (t TagTarget) String() string   { return "tag:" + t.Tag }
func (t ContactList) String() string { return fmt.Sprintf("contacts:%d", len(t.IDs)) }

// TargetSpec is the wire/storage form of a Target.
type TargetSpec struct {
	Mode       string   `json:"mode,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	ContactIDs []string `json:"contactIds,omitempty"`
}

// Target converts the wire form. Mode may be omitted when Tag or ContactIDs implies it.
func (s TargetSpec) Target() (Target, error) {
	mode := strings.ToLower(strings.TrimSpace(s.Mode))
	if mode == "" {
		switch {
		case s.ContactIDs != nil:
			mode = "contacts"
		case s.Tag != "":
			mode = "tag"
		default:
			mode = "all"
		}
	}
	switch mode {
	case "all":
		return AllContacts{}, nil
	case "tag":
		return TagTarget{Tag: s.Tag}, nil
	case "contacts":
		return ContactList{IDs: append([]string(nil), s.ContactIDs...)}, nil
	default:
		return nil, Invalid("target.mode", fmt.Sprintf("unknown mode %q", s.Mode))
	}
}

// SpecOf converts a Target to its wire form.
func SpecOf(t Target) TargetSpec {
	switch v := t.(type) {
	case AllContacts:
		return TargetSpec{Mode: "all"}
	case TagTarget:
		return TargetSpec{Mode: "tag", Tag: v.Tag}
	case ContactList:
		return TargetSpec{Mode: "contacts", ContactIDs: append([]string{}, v.IDs...)}
	default:
		return TargetSpec{}
	}
}

// MarshalTarget encodes t as JSON for storage.
func MarshalTarget(t Target) ([]byte, error) { return json.Marshal(SpecOf(t)) }

func UnmarshalTarget(b []byte) (Target, error) {
	var s TargetSpec
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	return s.Target()
}
