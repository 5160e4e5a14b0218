package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/contacts"
	"broadcastd/internal/model"
	"broadcastd/internal/personalize"
)

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"status": "ok", "dispatch": a.Dispatch.Snapshot()}
	if a.Health != nil {
		out["supervisors"] = a.Health()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) audit(w http.ResponseWriter, r *http.Request) {
	if a.Audit == nil {
		writeJSON(w, http.StatusOK, []model.AuditEntry{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer", Field: "limit"})
			return
		}
		limit = n
	}
	entries, err := a.Audit.Audit(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// ---- contacts ----

func (a *api) listContacts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Contacts.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if tag := strings.TrimSpace(r.URL.Query().Get("tag")); tag != "" {
		kept := list[:0]
		for _, c := range list {
			if c.HasTag(tag) {
				kept = append(kept, c)
			}
		}
		list = kept
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (a *api) addContact(w http.ResponseWriter, r *http.Request) {
	var in contacts.Input
	if err := decodeJSON(w, r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	c, added, err := a.Contacts.Add(r.Context(), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"contact": c, "added": added})
}

func (a *api) importContacts(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Contacts.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) getContact(w http.ResponseWriter, r *http.Request) {
	c, err := a.Contacts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) deleteContact(w http.ResponseWriter, r *http.Request) {
	if err := a.Contacts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- templates ----

type templateInput struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func (a *api) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := a.Templates.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (a *api) addTemplate(w http.ResponseWriter, r *http.Request) {
	var in templateInput
	if err := decodeJSON(w, r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	t, added, err := a.Templates.Add(r.Context(), in.Name, in.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"template": t, "added": added})
}

func (a *api) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := a.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *api) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.Templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- preview ----

type previewInput struct {
	TemplateID string         `json:"templateId"`
	Body       string         `json:"body"`
	ContactID  string         `json:"contactId"`
	Contact    *model.Contact `json:"contact"`
}

type previewOutput struct {
	Text         string   `json:"text"`
	Placeholders []string `json:"placeholders"`
	Length       int      `json:"length"`
}

// preview renders a body (or stored template) against a stored or inline contact,
// the same way launch renders each task.
func (a *api) preview(w http.ResponseWriter, r *http.Request) {
	var in previewInput
	if err := decodeJSON(w, r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	body, _, err := a.resolveBody(r, in.TemplateID, in.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var c model.Contact
	switch {
	case in.Contact != nil:
		c = *in.Contact
	case in.ContactID != "":
		if c, err = a.Contacts.Get(r.Context(), in.ContactID); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	text := personalize.Render(body, c)
	writeJSON(w, http.StatusOK, previewOutput{
		Text:         text,
		Placeholders: nonNil(personalize.Placeholders(body)),
		Length:       len([]rune(text)),
	})
}

// resolveBody prefers an explicit body; otherwise the stored template supplies it.
func (a *api) resolveBody(r *http.Request, templateID, body string) (string, string, error) {
	templateID = strings.TrimSpace(templateID)
	if strings.TrimSpace(body) != "" || templateID == "" || templateID == model.CustomTemplateID {
		return body, templateID, nil
	}
	t, err := a.Templates.Get(r.Context(), templateID)
	if err != nil {
		return "", "", err
	}
	return t.Body, t.ID, nil
}

// ---- broadcasts ----

type launchInput struct {
	Label        string           `json:"label"`
	TemplateID   string           `json:"templateId"`
	Body         string           `json:"body"`
	Target       model.TargetSpec `json:"target"`
	ScheduledFor *time.Time       `json:"scheduledFor"`
}

type launchOutput struct {
	Broadcast model.Broadcast      `json:"broadcast"`
	Tasks     []model.DeliveryTask `json:"tasks"`
}

func (a *api) launch(w http.ResponseWriter, r *http.Request) {
	var in launchInput
	if err := decodeJSON(w, r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	target, err := in.Target.Target()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	body, templateID, err := a.resolveBody(r, in.TemplateID, in.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	b, tasks, err := a.Broadcasts.Submit(r.Context(), broadcast.LaunchRequest{
		Label:        in.Label,
		Body:         body,
		TemplateID:   templateID,
		Target:       target,
		ScheduledFor: in.ScheduledFor,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, launchOutput{Broadcast: b, Tasks: tasks})
}

func (a *api) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Broadcasts.Broadcasts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (a *api) getBroadcast(w http.ResponseWriter, r *http.Request) {
	p, err := a.Broadcasts.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) broadcastTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.Broadcasts.Tasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if st := model.TaskStatus(r.URL.Query().Get("status")); st != "" {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Status == st {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	n, err := a.Broadcasts.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (a *api) retry(w http.ResponseWriter, r *http.Request) {
	b, tasks, err := a.Broadcasts.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, launchOutput{Broadcast: b, Tasks: tasks})
}

// ---- dispatch ----

func (a *api) dispatchStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Dispatch.Snapshot())
}

func (a *api) step(w http.ResponseWriter, r *http.Request) {
	ran, err := a.Dispatch.Step(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": ran, "stats": a.Dispatch.Snapshot()})
}

func (a *api) drain(w http.ResponseWriter, r *http.Request) {
	n, err := a.Dispatch.Drain(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": n, "stats": a.Dispatch.Snapshot()})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
