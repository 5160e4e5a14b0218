// Package personalize renders message templates against a single contact.
package personalize

import (
	"regexp"
	"strings"

	"broadcastd/internal/model"
)

// DefaultCompany fills {{company}} when a contact has no tags.
const DefaultCompany = "your team"

var token = regexp.MustCompile(`\{\{\s*([A-Za-z]+)\s*\}\}`)

type resolver func(c model.Contact) string

var fields = map[string]resolver{
	"firstname": firstName,
	"fullname":  func(c model.Contact) string { return c.Name },
	"company":   company,
	"notes":     func(c model.Contact) string { return c.Notes },
	"tag": func(c model.Contact) string {
		if len(c.Tags) == 0 {
			return ""
		}
		return c.Tags[0]
	},
	"phone": func(c model.Contact) string { return c.Phone },
}

// Render replaces recognized {{placeholder}} tokens (case-insensitive, inner whitespace allowed)
// with contact values. Unknown tokens are left verbatim. Values are inserted unescaped.
func Render(tmpl string, c model.Contact) string {
	return token.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := token.FindStringSubmatch(m)[1]
		if fn, ok := fields[strings.ToLower(name)]; ok {
			return fn(c)
		}
		return m
	})
}

// Placeholders lists the recognized tokens used in tmpl, lowercased, first occurrence order.
func Placeholders(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range token.FindAllStringSubmatch(tmpl, -1) {
		name := strings.ToLower(m[1])
		if _, ok := fields[name]; !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func firstName(c model.Contact) string {
	if parts := strings.Fields(c.Name); len(parts) > 0 {
		return parts[0]
	}
	return c.Name
}

func company(c model.Contact) string {
	for _, t := range c.Tags {
		if strings.Contains(strings.ToLower(t), "company") {
			return t
		}
	}
	if len(c.Tags) > 0 {
		return c.Tags[0]
	}
	return DefaultCompany
}
