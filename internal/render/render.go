// Package render resolves template and contact references into the body and
// recipient of one send. References are looked up at dispatch time, so edits
// to a template or contact apply to the next occurrence.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"smsmaster/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Template struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Body string `json:"body"`
}

type Contact struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	Address string            `json:"address"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// TemplateSource and ContactSource are the external record stores.
type TemplateSource interface {
	Template(ctx context.Context, id string) (Template, error)
}

type ContactSource interface {
	Contact(ctx context.Context, id string) (Contact, error)
}

// Renderer implements the scheduler's resolver over the two sources.
//
// Bodies containing "{{" are Go templates executed with missingkey=error over
// a Data value. Any other body uses "{field}" placeholders; unknown
// placeholders are kept verbatim.
type Renderer struct {
	templates TemplateSource
	contacts  ContactSource
}

func New(templates TemplateSource, contacts ContactSource) *Renderer {
	return &Renderer{templates: templates, contacts: contacts}
}

// Data is what a template sees.
type Data struct {
	Name    string
	Address string
	Fields  map[string]string
}

// Render returns the body and recipient for a template/contact pair. Either
// id may be empty; the matching return value is then empty as well.
func (r *Renderer) Render(ctx context.Context, templateID, contactID string) (body, recipient string, err error) {
	recipient, body, err = r.resolve(ctx, domain.ScheduledMessage{TemplateID: templateID, ContactID: contactID})
	return body, recipient, err
}

// Resolve fills the send-time recipient and body of m. Inline values are used
// for whichever reference is not set.
func (r *Renderer) Resolve(ctx context.Context, m domain.ScheduledMessage) (recipient, body string, err error) {
	recipient, body, err = r.resolve(ctx, m)
	if err != nil {
		return "", "", err
	}
	if err := domain.ValidateBody(body); err != nil {
		return "", "", err
	}
	return recipient, body, nil
}

func (r *Renderer) resolve(ctx context.Context, m domain.ScheduledMessage) (recipient, body string, err error) {
	recipient, body = m.Recipient, m.Body
	data := Data{Address: m.Recipient}

	if id := m.ContactID; id != "" {
		if r.contacts == nil {
			return "", "", fmt.Errorf("contact %s: %w", id, ErrNotFound)
		}
		c, err := r.contacts.Contact(ctx, id)
		if err != nil {
			return "", "", fmt.Errorf("contact %s: %w", id, err)
		}
		if recipient, err = domain.NormalizeRecipient(c.Address); err != nil {
			return "", "", fmt.Errorf("contact %s: %w", id, err)
		}
		data = Data{Name: c.Name, Address: recipient, Fields: c.Fields}
	}
	if id := m.TemplateID; id != "" {
		if r.templates == nil {
			return "", "", fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		t, err := r.templates.Template(ctx, id)
		if err != nil {
			return "", "", fmt.Errorf("template %s: %w", id, err)
		}
		if body, err = Execute(t.Body, data); err != nil {
			return "", "", fmt.Errorf("template %s: %w", id, err)
		}
	}
	return recipient, body, nil
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Execute renders one body against data.
func Execute(body string, data Data) (string, error) {
	if strings.Contains(body, "{{") {
		t, err := template.New("body").Option("missingkey=error").Parse(body)
		if err != nil {
			return "", err
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	return placeholder.ReplaceAllStringFunc(body, func(tok string) string {
		key := tok[1 : len(tok)-1]
		switch strings.ToLower(key) {
		case "name":
			if data.Name != "" {
				return data.Name
			}
		case "phone", "address", "recipient":
			if data.Address != "" {
				return data.Address
			}
		}
		if v, ok := data.Fields[key]; ok {
			return v
		}
		return tok
	}), nil
}
