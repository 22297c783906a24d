package render

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.yaml.in/yaml/v3"
)

// Catalog is an in-memory TemplateSource and ContactSource.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]Template
	contacts  map[string]Contact
}

func NewCatalog() *Catalog {
	return &Catalog{templates: map[string]Template{}, contacts: map[string]Contact{}}
}

func (c *Catalog) Template(_ context.Context, id string) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (c *Catalog) Contact(_ context.Context, id string) (Contact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return ct, nil
}

func (c *Catalog) PutTemplate(t Template) {
	c.mu.Lock()
	c.templates[t.ID] = t
	c.mu.Unlock()
}

func (c *Catalog) PutContact(ct Contact) {
	c.mu.Lock()
	c.contacts[ct.ID] = ct
	c.mu.Unlock()
}

func (c *Catalog) DeleteTemplate(id string) {
	c.mu.Lock()
	delete(c.templates, id)
	c.mu.Unlock()
}

func (c *Catalog) DeleteContact(id string) {
	c.mu.Lock()
	delete(c.contacts, id)
	c.mu.Unlock()
}

// Len reports the number of templates and contacts.
func (c *Catalog) Len() (templates, contacts int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates), len(c.contacts)
}

type catalogFile struct {
	Templates []Template `yaml:"templates" json:"templates"`
	Contacts  []Contact  `yaml:"contacts" json:"contacts"`
}

// LoadFile reads a YAML (or JSON, which is valid YAML) catalog file.
// Loading replaces the whole catalog so removals apply.
func (c *Catalog) LoadFile(fs afero.Fs, path string) error {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	templates := make(map[string]Template, len(f.Templates))
	for i, t := range f.Templates {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return fmt.Errorf("templates[%d]: id is required", i)
		}
		if _, dup := templates[t.ID]; dup {
			return fmt.Errorf("templates[%d]: duplicate id %q", i, t.ID)
		}
		templates[t.ID] = t
	}
	contacts := make(map[string]Contact, len(f.Contacts))
	for i, ct := range f.Contacts {
		ct.ID = strings.TrimSpace(ct.ID)
		if ct.ID == "" {
			return fmt.Errorf("contacts[%d]: id is required", i)
		}
		if _, dup := contacts[ct.ID]; dup {
			return fmt.Errorf("contacts[%d]: duplicate id %q", i, ct.ID)
		}
		contacts[ct.ID] = ct
	}

	c.mu.Lock()
	c.templates, c.contacts = templates, contacts
	c.mu.Unlock()
	return nil
}
