package alert

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Vars are the placeholders available to message templates.
type Vars struct {
	SubjectName    string
	SubjectPhone   string
	SubjectAddress string
	ObserverName   string
	Level          string
	HoursInactive  int
	LastActivityAt time.Time
	Now            time.Time
}

var defaultTemplates = map[Level]string{
	Warning:   "[warning] {{.SubjectName}} has not shown activity for {{.HoursInactive}} hours. Please check on them.",
	Danger:    "[danger] {{.SubjectName}} has been inactive for {{.HoursInactive}} hours. Please contact them right away.",
	Emergency: "[emergency] {{.SubjectName}} has been inactive for {{.HoursInactive}} hours. Address: {{.SubjectAddress}}. Phone: {{.SubjectPhone}}. Emergency services are being notified.",
}

// Templates renders one message per level.
type Templates struct {
	byLevel map[Level]*template.Template
}

// NewTemplates parses overrides on top of the built-in texts. Keys are level names.
func NewTemplates(overrides map[string]string) (*Templates, error) {
	src := make(map[Level]string, len(defaultTemplates))
	for l, s := range defaultTemplates {
		src[l] = s
	}
	for name, s := range overrides {
		l, err := ParseLevel(name)
		if err != nil || l == Normal {
			return nil, fmt.Errorf("template %q: not an alert level", name)
		}
		if strings.TrimSpace(s) != "" {
			src[l] = s
		}
	}
	t := &Templates{byLevel: make(map[Level]*template.Template, len(src))}
	for l, s := range src {
		tpl, err := template.New(l.String()).Option("missingkey=error").Parse(s)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", l, err)
		}
		t.byLevel[l] = tpl
	}
	return t, nil
}

func (t *Templates) Render(l Level, v Vars) (string, error) {
	tpl, ok := t.byLevel[l]
	if !ok {
		return "", fmt.Errorf("no template for level %s", l)
	}
	if v.Level == "" {
		v.Level = l.String()
	}
	var b strings.Builder
	if err := tpl.Execute(&b, v); err != nil {
		return "", fmt.Errorf("render %s: %w", l, err)
	}
	return b.String(), nil
}
