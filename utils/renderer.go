package utils

import (
	"bytes"
	"fmt"
	"html/template"

	"courselit/automation"
)

// Renderer produces the final subject and body for one recipient using
// html/template. Merge fields are referenced as {{.name}}, {{.email}} and so
// on; both the subject line and the stored content may carry them.
type Renderer struct{}

func NewRenderer() Renderer {
	return Renderer{}
}

func (Renderer) Render(templateID, content, subject string, data automation.MergeData) (automation.Rendered, error) {
	renderedSubject, err := renderOne("subject", subject, data)
	if err != nil {
		return automation.Rendered{}, err
	}

	name := templateID
	if name == "" {
		name = "body"
	}
	body, err := renderOne(name, content, data)
	if err != nil {
		return automation.Rendered{}, err
	}

	return automation.Rendered{Subject: renderedSubject, HTML: body}, nil
}

func renderOne(name, text string, data automation.MergeData) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("error parsing template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("error executing template %s: %w", name, err)
	}
	return buf.String(), nil
}
