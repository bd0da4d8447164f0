package workeffort

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FlexTime is a timestamp that tolerates the formats found in entity files:
// RFC3339, ISO-8601 without a zone, and bare dates. It marshals as RFC3339.
type FlexTime struct {
	time.Time
}

var flexLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *FlexTime) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" {
		*t = FlexTime{}
		return nil
	}
	for _, layout := range flexLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = FlexTime{parsed}
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t FlexTime) MarshalYAML() (any, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.Format(time.RFC3339), nil
}

// Frontmatter is the structured metadata block at the top of an entity file.
// Extra keys written by other tools (source, labels, ...) are preserved
// round-trip via the inline map.
type Frontmatter struct {
	ID      string   `yaml:"id,omitempty"`
	Title   string   `yaml:"title,omitempty"`
	Status  string   `yaml:"status,omitempty"`
	Created FlexTime `yaml:"created,omitempty"`
	Branch  string   `yaml:"branch,omitempty"`
	Repo    string   `yaml:"repository,omitempty"`
	Parent  string   `yaml:"parent,omitempty"`

	AssignedTo        string   `yaml:"assigned_to,omitempty"`
	AssignedAt        FlexTime `yaml:"assigned_at,omitempty"`
	AssignmentExpires FlexTime `yaml:"assignment_expires,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// Assignment converts the lease fields into an Assignment value.
func (fm Frontmatter) Assignment() Assignment {
	return Assignment{
		AssignedTo: fm.AssignedTo,
		AssignedAt: fm.AssignedAt.Time,
		Expires:    fm.AssignmentExpires.Time,
	}
}

// SetAssignment writes a lease into the frontmatter fields. A zero
// Assignment clears them.
func (fm *Frontmatter) SetAssignment(a Assignment) {
	fm.AssignedTo = a.AssignedTo
	fm.AssignedAt = FlexTime{a.AssignedAt}
	fm.AssignmentExpires = FlexTime{a.Expires}
}

const fmDelimiter = "---"

// SplitFrontmatter separates a file's YAML frontmatter block from its body.
// Files without a block yield a zero Frontmatter and the full content as
// body. A block that fails to parse as YAML is an error so callers can skip
// the file and fall back to heuristics.
func SplitFrontmatter(content string) (Frontmatter, string, error) {
	var fm Frontmatter

	if !strings.HasPrefix(content, fmDelimiter+"\n") && content != fmDelimiter {
		return fm, content, nil
	}

	rest := content[len(fmDelimiter)+1:]
	end := strings.Index(rest, "\n"+fmDelimiter)
	if end < 0 {
		return fm, content, nil
	}

	block := rest[:end]
	body := rest[end+len(fmDelimiter)+1:]
	body = strings.TrimPrefix(body, "\n")

	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return Frontmatter{}, content, fmt.Errorf("parse frontmatter: %w", err)
	}
	return fm, body, nil
}

// RenderFile serializes frontmatter and body back into file content.
func RenderFile(fm Frontmatter, body string) ([]byte, error) {
	block, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString(fmDelimiter + "\n")
	b.Write(block)
	b.WriteString(fmDelimiter + "\n")
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return []byte(b.String()), nil
}
