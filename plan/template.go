package plan

import (
	"strings"
	"text/template"
)

// templateEngine renders configuration values with variable substitution.
type templateEngine struct {
	defines map[string]string
}

// newTemplateEngine creates an engine over the provided definitions.
func newTemplateEngine(defines map[string]string) *templateEngine {
	d := make(map[string]string, len(defines))
	for k, v := range defines {
		d[k] = v
	}
	return &templateEngine{defines: d}
}

// sub derives an engine inheriting the parent's definitions, overridden by
// the provided local ones.
func (e *templateEngine) sub(locals map[string]string) *templateEngine {
	d := make(map[string]string, len(e.defines)+len(locals))
	for k, v := range e.defines {
		d[k] = v
	}
	for k, v := range locals {
		d[k] = v
	}
	return &templateEngine{defines: d}
}

// withVersion derives an engine exposing the release version as Version,
// plus its Major, Minor and Patch components.
func (e *templateEngine) withVersion(version string) *templateEngine {
	major, minor, patch := versionParts(version)
	return e.sub(map[string]string{
		"Version": version,
		"Major":   major,
		"Minor":   minor,
		"Patch":   patch,
	})
}

// versionParts splits the dotted core of a version, ignoring any suffix
// after a hyphen: "3.28.0-rc2" has major 3, minor 28, patch 0.
func versionParts(version string) (major, minor, patch string) {
	core := version
	if i := strings.IndexByte(core, '-'); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	if len(parts) > 0 {
		major = parts[0]
	}
	if len(parts) > 1 {
		minor = parts[1]
	}
	if len(parts) > 2 {
		patch = parts[2]
	}
	return major, minor, patch
}

// render executes the text as a template over the engine's definitions.
// Text without "{{" is returned as-is; referencing an unknown variable is
// an error.
func (e *templateEngine) render(name, text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, e.defines); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderAll renders every entry of a list.
func (e *templateEngine) renderAll(name string, items []string) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		rendered, err := e.render(name, item)
		if err != nil {
			return nil, err
		}
		out[i] = rendered
	}
	return out, nil
}
