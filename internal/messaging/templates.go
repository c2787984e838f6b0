package messaging

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"text/template"
)

// Template names understood by the default template set.
const (
	TemplateIntakeForm   = "intake_form"
	TemplateConfirmation = "appointment_confirmation"
	TemplateReminder1    = "reminder_1"
	TemplateReminder2    = "reminder_2"
	TemplateReminder3    = "reminder_3"
)

// Payload keys the default templates read.
const (
	KeyPatientName    = "PatientName"
	KeyProvider       = "Provider"
	KeyLocation       = "Location"
	KeyDate           = "Date"
	KeyTime           = "Time"
	KeyDuration       = "Duration"
	KeyConfirmationID = "ConfirmationID"
)

// ReminderTemplate returns the template name for reminder stage n (1..3).
func ReminderTemplate(n int) string {
	return fmt.Sprintf("reminder_%d", n)
}

type messageTemplate struct {
	subject    *template.Template
	body       *template.Template
	attachForm bool
}

// Templates is a named set of subject/body templates.
type Templates struct {
	mu  sync.RWMutex
	set map[string]messageTemplate
}

// NewTemplates returns an empty template set.
func NewTemplates() *Templates {
	return &Templates{set: make(map[string]messageTemplate)}
}

// Register parses and stores a template. attachForm marks templates whose
// email rendition carries the intake form.
func (t *Templates) Register(name, subject, body string, attachForm bool) error {
	st, err := template.New(name + ".subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return fmt.Errorf("parse %s subject: %w", name, err)
	}
	bt, err := template.New(name + ".body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("parse %s body: %w", name, err)
	}
	t.mu.Lock()
	t.set[name] = messageTemplate{subject: st, body: bt, attachForm: attachForm}
	t.mu.Unlock()
	return nil
}

// Names lists the registered templates in sorted order.
func (t *Templates) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.set))
	for n := range t.set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render executes the named template. The bool result reports whether the
// template wants the intake form attached.
func (t *Templates) Render(name string, payload map[string]string) (Content, bool, error) {
	t.mu.RLock()
	mt, ok := t.set[name]
	t.mu.RUnlock()
	if !ok {
		return Content{}, false, fmt.Errorf("unknown template %q", name)
	}
	if payload == nil {
		payload = map[string]string{}
	}
	var subject, body bytes.Buffer
	if err := mt.subject.Execute(&subject, payload); err != nil {
		return Content{}, false, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := mt.body.Execute(&body, payload); err != nil {
		return Content{}, false, fmt.Errorf("render %s body: %w", name, err)
	}
	return Content{Subject: subject.String(), Body: body.String()}, mt.attachForm, nil
}

// DefaultTemplates returns the intake, confirmation and reminder messages.
func DefaultTemplates() *Templates {
	t := NewTemplates()
	defaults := []struct {
		name, subject, body string
		attach              bool
	}{
		{
			TemplateIntakeForm,
			"Your new patient intake form",
			"Hi {{.PatientName}}, please complete the attached intake form before your visit with {{.Provider}} on {{.Date}} at {{.Time}}.",
			true,
		},
		{
			TemplateConfirmation,
			"Appointment confirmed: {{.Date}} {{.Time}}",
			"Hi {{.PatientName}}, your {{.Duration}}-minute appointment with {{.Provider}} at {{.Location}} is confirmed for {{.Date}} at {{.Time}}. Confirmation {{.ConfirmationID}}.",
			false,
		},
		{
			TemplateReminder1,
			"Upcoming appointment",
			"Reminder: Hi {{.PatientName}}, you have an upcoming appointment with {{.Provider}} on {{.Date}} at {{.Time}}.",
			false,
		},
		{
			TemplateReminder2,
			"Intake form reminder",
			"Reminder: Hi {{.PatientName}}, have you filled out your intake form? Reply YES once it is done.",
			false,
		},
		{
			TemplateReminder3,
			"Please confirm your visit",
			"Reminder: Hi {{.PatientName}}, is your visit on {{.Date}} at {{.Time}} confirmed? Reply YES to confirm, or NO with a reason to cancel.",
			false,
		},
	}
	for _, d := range defaults {
		if err := t.Register(d.name, d.subject, d.body, d.attach); err != nil {
			panic(err)
		}
	}
	return t
}
