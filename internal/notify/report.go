package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"cronpilot/internal/core"
)

// Report is the rendered summary of a finished run.
type Report struct {
	TaskName  string
	TaskID    string
	RunID     string
	Status    string
	Trigger   string
	Started   string
	Completed string
	Duration  string
	Error     string
	LogPath   string
}

const textReport = `Task Execution Report

Task: {{.TaskName}}
Status: {{.Status}}
Trigger: {{.Trigger}}
Started: {{.Started}}
Completed: {{.Completed}}
Duration: {{.Duration}}
{{if .Error}}
Error: {{.Error}}
{{end}}{{if .LogPath}}
Log: {{.LogPath}}
{{end}}`

const htmlReport = `<html>
<body>
<h2>Task Execution Report</h2>
<table>
<tr><td><strong>Task:</strong></td><td>{{.TaskName}}</td></tr>
<tr><td><strong>Status:</strong></td><td>{{.Status}}</td></tr>
<tr><td><strong>Trigger:</strong></td><td>{{.Trigger}}</td></tr>
<tr><td><strong>Started:</strong></td><td>{{.Started}}</td></tr>
<tr><td><strong>Completed:</strong></td><td>{{.Completed}}</td></tr>
<tr><td><strong>Duration:</strong></td><td>{{.Duration}}</td></tr>
</table>
{{if .Error}}<p><strong>Error:</strong> {{.Error}}</p>{{end}}
{{if .LogPath}}<p><strong>Log:</strong> {{.LogPath}}</p>{{end}}
</body>
</html>`

var (
	textTmpl = texttemplate.Must(texttemplate.New("text").Parse(textReport))
	htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(htmlReport))
)

// NewReport summarizes a run of task.
func NewReport(task *core.Task, run *core.TaskRun) Report {
	r := Report{
		TaskName:  task.Name,
		TaskID:    task.ID,
		RunID:     run.ID,
		Status:    strings.ToUpper(string(run.Status)),
		Trigger:   string(run.Trigger),
		Started:   formatStamp(run.StartedAt),
		Completed: formatStamp(run.CompletedAt),
		Duration:  "N/A",
	}
	if run.DurationSeconds != nil {
		r.Duration = fmt.Sprintf("%.2f seconds", *run.DurationSeconds)
	}
	if run.ErrorMessage != nil {
		r.Error = *run.ErrorMessage
	}
	if run.LogPath != nil {
		r.LogPath = *run.LogPath
	}
	return r
}

// Subject is the mail subject line.
func (r Report) Subject() string {
	return fmt.Sprintf("Task Notification: %s - %s", r.TaskName, r.Status)
}

// Short is a one-line body for push channels.
func (r Report) Short() string {
	if r.Error != "" {
		return fmt.Sprintf("%s after %s: %s", r.Status, r.Duration, r.Error)
	}
	return fmt.Sprintf("%s after %s", r.Status, r.Duration)
}

// Render returns the plain text and HTML bodies.
func (r Report) Render() (string, string, error) {
	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, r); err != nil {
		return "", "", fmt.Errorf("render text report: %w", err)
	}
	if err := htmlTmpl.Execute(&html, r); err != nil {
		return "", "", fmt.Errorf("render html report: %w", err)
	}
	return text.String(), html.String(), nil
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.UTC().Format(time.RFC3339)
}
