// Package contacts manages the contact list: validation, phone dedup and CSV import.
package contacts

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"broadcastd/internal/ids"
	"broadcastd/internal/model"
	"broadcastd/pkg/logx"
)

// Input is a contact as submitted by an operator.
type Input struct {
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
	Tags  []string `json:"tags"`
	Notes string   `json:"notes"`
	OptIn bool     `json:"optIn"`
}

// ImportReport summarizes a CSV import. Suppressed counts rows whose phone already existed.
type ImportReport struct {
	Added      int      `json:"added"`
	Suppressed int      `json:"suppressed"`
	Invalid    int      `json:"invalid"`
	Errors     []string `json:"errors,omitempty"`
}

const maxReportErrors = 20

// Book serializes writes so the phone uniqueness check and insert happen together.
type Book struct {
	mu    sync.Mutex
	store Store
	audit Auditor
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Book)

// Auditor records operator actions.
type Auditor interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

func WithLogger(l logx.Logger) Option       { return func(b *Book) { b.log = l } }
func WithClock(now func() time.Time) Option { return func(b *Book) { b.now = now } }
func WithAuditor(a Auditor) Option          { return func(b *Book) { b.audit = a } }

func NewBook(store Store, opts ...Option) *Book {
	b := &Book{store: store, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Add validates and inserts a contact. When the normalized phone already exists the existing
// contact is returned with added=false.
func (b *Book) Add(ctx context.Context, in Input) (model.Contact, bool, error) {
	c, err := b.build(in)
	if err != nil {
		return model.Contact{}, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.byPhone(ctx)
	if err != nil {
		return model.Contact{}, false, err
	}
	if prev, dup := existing[model.NormalizePhone(c.Phone)]; dup {
		return prev, false, nil
	}
	if err := b.store.InsertContact(ctx, c); err != nil {
		return model.Contact{}, false, fmt.Errorf("insert contact: %w", err)
	}
	b.log.Info("contact added", logx.String("contact", c.ID), logx.Bool("opt_in", c.OptIn))
	return c, true, nil
}

// Import reads CSV with a header row. Recognized columns: name, phone, tags, notes, opt_in.
// Rows failing validation are counted in Invalid and do not abort the import.
func (b *Book) Import(ctx context.Context, r io.Reader) (ImportReport, error) {
	var rep ImportReport

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return rep, model.Invalid("csv", "empty input")
	}
	if err != nil {
		return rep, model.Invalid("csv", err.Error())
	}
	cols := columnIndex(header)
	if _, ok := cols["phone"]; !ok {
		return rep, model.Invalid("csv", "missing phone column")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.byPhone(ctx)
	if err != nil {
		return rep, err
	}

	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			rep.invalid(fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		in := Input{
			Name:  field(rec, cols, "name"),
			Phone: field(rec, cols, "phone"),
			Tags:  SplitTags(field(rec, cols, "tags")),
			Notes: field(rec, cols, "notes"),
			OptIn: parseBool(field(rec, cols, "opt_in")),
		}
		c, err := b.build(in)
		if err != nil {
			rep.invalid(fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		key := model.NormalizePhone(c.Phone)
		if _, dup := existing[key]; dup {
			rep.Suppressed++
			continue
		}
		if err := b.store.InsertContact(ctx, c); err != nil {
			return rep, fmt.Errorf("insert contact: %w", err)
		}
		existing[key] = c
		rep.Added++
	}
	b.log.Info("contacts imported",
		logx.Int("added", rep.Added), logx.Int("suppressed", rep.Suppressed), logx.Int("invalid", rep.Invalid))
	if b.audit != nil {
		detail := fmt.Sprintf("added=%d suppressed=%d invalid=%d", rep.Added, rep.Suppressed, rep.Invalid)
		if err := b.audit.AppendAudit(ctx, model.AuditEntry{At: b.now().UTC(), Action: "contacts.import", Subject: "csv", Detail: detail}); err != nil {
			b.log.Warn("audit append failed", logx.Err(err))
		}
	}
	return rep, nil
}

func (b *Book) List(ctx context.Context) ([]model.Contact, error) {
	return b.store.Contacts(ctx)
}

func (b *Book) Get(ctx context.Context, id string) (model.Contact, error) {
	return b.store.Contact(ctx, id)
}

func (b *Book) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.DeleteContact(ctx, id)
}

func (b *Book) build(in Input) (model.Contact, error) {
	name := strings.TrimSpace(in.Name)
	phone := strings.TrimSpace(in.Phone)
	if name == "" {
		return model.Contact{}, model.Invalid("name", "name is required")
	}
	if !model.ValidPhone(phone) {
		return model.Contact{}, model.Invalid("phone", fmt.Sprintf("%q is not a valid phone number", phone))
	}
	tags := make([]string, 0, len(in.Tags))
	for _, t := range in.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return model.Contact{
		ID:        ids.UUID(),
		Name:      name,
		Phone:     phone,
		Tags:      tags,
		Notes:     strings.TrimSpace(in.Notes),
		OptIn:     in.OptIn,
		CreatedAt: b.now().UTC(),
	}, nil
}

func (b *Book) byPhone(ctx context.Context) (map[string]model.Contact, error) {
	all, err := b.store.Contacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	m := make(map[string]model.Contact, len(all))
	for _, c := range all {
		m[model.NormalizePhone(c.Phone)] = c
	}
	return m, nil
}

func (r *ImportReport) invalid(msg string) {
	r.Invalid++
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// SplitTags splits on comma, semicolon or pipe.
func SplitTags(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func columnIndex(header []string) map[string]int {
	cols := map[string]int{}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
		if key == "optin" {
			key = "opt_in"
		}
		cols[key] = i
	}
	return cols
}

func field(rec []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
