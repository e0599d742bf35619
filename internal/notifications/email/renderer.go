package email

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"sort"
	texttemplate "text/template"

	"pushpipe/internal/push"
	"pushpipe/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// Rendered is the output of Renderer.Render.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type field struct {
	Key   string
	Value string
}

type templateData struct {
	Subject   string
	Title     string
	Body      string
	Fields    []field
	Reference string
}

// subjectPrefixes tags subjects for well-known notification types.
var subjectPrefixes = map[string]string{
	"alert":    "Alert",
	"security": "Security",
	"order":    "Order update",
	"test":     "Test",
}

// Renderer fills the embedded layout templates.
type Renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

func NewRenderer() (*Renderer, error) {
	html, err := htmltemplate.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse html layout: %w", err)
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/layout.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text layout: %w", err)
	}
	return &Renderer{html: html, text: text}, nil
}

// Render builds subject and bodies. Data entries are listed under the body
// sorted by key.
func (r *Renderer) Render(job types.JobMessage) (*Rendered, error) {
	subject := job.Title
	if prefix, ok := subjectPrefixes[job.Type]; ok {
		subject = prefix + ": " + job.Title
	}

	data := templateData{
		Subject:   subject,
		Title:     job.Title,
		Body:      job.Body,
		Reference: job.NotificationID,
	}
	for k, v := range push.StringifyData(job.Data) {
		data.Fields = append(data.Fields, field{Key: k, Value: v})
	}
	sort.Slice(data.Fields, func(i, j int) bool { return data.Fields[i].Key < data.Fields[j].Key })

	var html, text bytes.Buffer
	if err := r.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	if err := r.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	return &Rendered{Subject: subject, HTML: html.String(), Text: text.String()}, nil
}
