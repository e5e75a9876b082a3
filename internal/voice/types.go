package voice

import "fmt"

// Record describes one voice offered by the remote provider.
type Record struct {
	Name   string
	Locale string
	Gender string
	Styles []string
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	out := r
	out.Styles = append([]string{}, r.Styles...)
	return out
}

// Warning is a non-fatal problem found while decoding a single voice entry.
type Warning struct {
	Locale    string
	Index     int
	Attribute string
	Message   string
}

func (w Warning) String() string {
	if w.Attribute == "" {
		return fmt.Sprintf("%s[%d]: %s", w.Locale, w.Index, w.Message)
	}
	return fmt.Sprintf("%s[%d].%s: %s", w.Locale, w.Index, w.Attribute, w.Message)
}

// Result is the output of a successful decode.
type Result struct {
	Records  []Record
	Warnings []Warning
}

// Catalog is an immutable, ordered set of voices with the distinct voice
// names derived at construction.
type Catalog struct {
	records []Record
	names   []string
}

func NewCatalog(records []Record) *Catalog {
	c := &Catalog{records: make([]Record, 0, len(records))}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		c.records = append(c.records, r.Clone())
		if _, ok := seen[r.Name]; ok {
			continue
		}
		seen[r.Name] = struct{}{}
		c.names = append(c.names, r.Name)
	}
	return c
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.records)
}

// Records returns a copy of the voices in catalog order.
func (c *Catalog) Records() []Record {
	if c == nil {
		return nil
	}
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Clone())
	}
	return out
}

// Names returns the distinct voice names in first-seen order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// Locales returns the distinct locales in first-seen order.
func (c *Catalog) Locales() []string {
	if c == nil {
		return nil
	}
	var locales []string
	seen := make(map[string]struct{})
	for _, r := range c.records {
		if _, ok := seen[r.Locale]; ok {
			continue
		}
		seen[r.Locale] = struct{}{}
		locales = append(locales, r.Locale)
	}
	return locales
}

func (c *Catalog) ByLocale(locale string) []Record {
	if c == nil {
		return nil
	}
	var out []Record
	for _, r := range c.records {
		if r.Locale == locale {
			out = append(out, r.Clone())
		}
	}
	return out
}
