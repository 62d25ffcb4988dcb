// Package templates holds the HTML pages served by the rendezvous server.
package templates

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"strings"
)

const (
	templatesDir      = "tmpl"
	templateExtension = ".html"

	// Landing is the page served at the root of the rendezvous server.
	Landing = "rendezvous/landing.html"
)

//go:embed tmpl
var embeddedFiles embed.FS

// Templates maps names relative to the template directory to parsed templates,
// i.e. templates/tmpl/rendezvous/landing.html ---> "rendezvous/landing.html".
type Templates map[string]*template.Template

// New parses every embedded template.
func New() (Templates, error) {
	templates := make(Templates)
	err := fs.WalkDir(embeddedFiles, templatesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, templateExtension) {
			return nil
		}
		tmpl, err := template.ParseFS(embeddedFiles, path)
		if err != nil {
			return err
		}
		templates[strings.TrimPrefix(path, templatesDir+"/")] = tmpl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing template files: %w", err)
	}
	return templates, nil
}

// Execute renders the template called name with data.
func (t Templates) Execute(w io.Writer, name string, data any) error {
	tmpl, ok := t[name]
	if !ok {
		return fmt.Errorf("no template called %q", name)
	}
	return tmpl.Execute(w, data)
}
