package alert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplatesRender(t *testing.T) {
	t.Parallel()

	tpl, err := NewTemplates(map[string]string{"warning": "{{.Level}}: {{.SubjectName}} quiet for {{.HoursInactive}}h, ping {{.ObserverName}}"})
	require.NoError(t, err)

	msg, err := tpl.Render(Warning, Vars{SubjectName: "Grandma Kim", ObserverName: "Jae", HoursInactive: 25})
	require.NoError(t, err)
	require.Equal(t, "warning: Grandma Kim quiet for 25h, ping Jae", msg)

	msg, err = tpl.Render(Emergency, Vars{SubjectName: "Grandma Kim", SubjectAddress: "12 Elm St", SubjectPhone: "555-0100", HoursInactive: 73})
	require.NoError(t, err)
	require.Contains(t, msg, "12 Elm St")
	require.Contains(t, msg, "73 hours")

	_, err = tpl.Render(Normal, Vars{})
	require.Error(t, err)
}

func TestTemplatesRejectBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewTemplates(map[string]string{"critical": "x"})
	require.Error(t, err)
	_, err = NewTemplates(map[string]string{"danger": "{{.SubjectName"})
	require.Error(t, err)
}
