package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

const (
	promptGreeting    = "Hello! I can help you book an appointment. Say hi to get started."
	promptLookup      = "Please tell me your full name (or patient ID) and date of birth, e.g. \"Jane Doe, 1985-02-14\"."
	promptPreferences = "Which provider and location would you like? e.g. \"Dr. Smith, Downtown Clinic\". Say \"any\" for either."
	promptInsurance   = "What is your insurance carrier, member ID and group number? e.g. \"Acme Health, AC123, G-42\"."
	promptContact     = "What email address and mobile number should we use? e.g. \"jane@example.com, +1 555 123 4567\"."
	promptStillThere  = "Are you still there? "
	promptWaiting     = "Thanks! Your appointment is booked. We'll be in touch with your next reminder."
	promptComplete    = "Your reminders are complete. Thank you, and see you at your visit!"
	promptCancelled   = "Your appointment has been cancelled. Thank you for letting us know."
)

// correctivePrompts are prefixed to a stage prompt after a Recoverable failure.
var correctivePrompts = map[models.FailureKind]string{
	models.FailureParse:     "Sorry, I couldn't understand that. ",
	models.FailureNotFound:  "I couldn't find a match. ",
	models.FailureConflict:  "That slot was just taken. ",
	models.FailureTransport: "We had trouble sending a message. ",
}

func stagePrompt(stage models.Stage) string {
	switch stage {
	case models.StageGreeting:
		return promptGreeting
	case models.StageLookup:
		return promptLookup
	case models.StagePreferences:
		return promptPreferences
	case models.StageInsurance:
		return promptInsurance
	case models.StageContact:
		return promptContact
	default:
		return ""
	}
}

func fatalPrompt(f *models.Failure) string {
	return fmt.Sprintf("Sorry, we couldn't complete your booking (%s). Please contact the clinic staff, who can finish it for you.", f.Reason)
}

func describeSlot(s models.Slot) string {
	return fmt.Sprintf("%s at %s on %s at %s (%d min)", s.Provider, s.Location, s.Date, s.StartTime, s.Duration)
}

func offerPrompt(slots []models.Slot) string {
	var b strings.Builder
	b.WriteString("Here are the next available appointments:\n")
	for i, s := range slots {
		fmt.Fprintf(&b, "%d. %s\n", i+1, describeSlot(s))
	}
	b.WriteString("Reply with the number of the appointment you want.")
	return b.String()
}

func noSlotsPrompt(p models.Preferences) string {
	return fmt.Sprintf("There are no openings for provider %q at location %q. Try another provider and location, or say \"any\".",
		displayPref(p.Provider), displayPref(p.Location))
}

func displayPref(p string) string {
	if models.IsAnyPreference(p) {
		return models.AnyPreference
	}
	return p
}

func bookedPrompt(c *models.Confirmation) string {
	return fmt.Sprintf("You're booked: %s. Confirmation %s. We'll send your intake form and reminders before the visit.",
		describeSlot(c.Slot), c.ID)
}

func lookupResultPrompt(found bool, name string) string {
	if found {
		return fmt.Sprintf("Welcome back, %s! %s", name, promptPreferences)
	}
	return fmt.Sprintf("Welcome, %s! It looks like you're new to our clinic. %s", name, promptPreferences)
}
