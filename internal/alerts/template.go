package alerts

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const (
	subjectTemplate = `SOS: {{ displayName . }} needs help`
	bodyTemplate    = `Hi {{ if .ContactName }}{{ .ContactName }}{{ else }}there{{ end }},

{{ displayName . }} has triggered an emergency SOS on Lifeline.

Last known location: {{ if .FormattedLocation }}{{ .FormattedLocation }} {{ end }}({{ printf "%.6f" .Latitude }}, {{ printf "%.6f" .Longitude }})
Map: https://maps.google.com/?q={{ printf "%.6f" .Latitude }},{{ printf "%.6f" .Longitude }}
Reported at: {{ .RecordedAt.UTC.Format "2006-01-02 15:04:05 MST" }}
{{- if .UserPhone }}
Phone: {{ .UserPhone }}
{{- end }}

Open the Lifeline app to follow their live location.
`
)

var templates = template.Must(template.New("subject").Funcs(template.FuncMap{
	"displayName": displayName,
}).Parse(subjectTemplate))

func init() {
	template.Must(templates.New("body").Parse(bodyTemplate))
}

// Render produces the subject and plain-text body for an alert.
func Render(alert Alert) (string, string, error) {
	var subject, body bytes.Buffer
	if err := templates.ExecuteTemplate(&subject, "subject", alert); err != nil {
		return "", "", fmt.Errorf("alerts: render subject: %w", err)
	}
	if err := templates.ExecuteTemplate(&body, "body", alert); err != nil {
		return "", "", fmt.Errorf("alerts: render body: %w", err)
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}

func displayName(alert Alert) string {
	switch {
	case strings.TrimSpace(alert.UserName) != "":
		return strings.TrimSpace(alert.UserName)
	case alert.UserPhone != "":
		return alert.UserPhone
	default:
		return "A Lifeline user"
	}
}
