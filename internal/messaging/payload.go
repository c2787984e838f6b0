package messaging

import (
	"strconv"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// SessionPayload builds the template payload for a booked session.
func SessionPayload(sess *models.Session) map[string]string {
	p := map[string]string{KeyPatientName: "there"}
	if sess.Patient != nil && sess.Patient.Name != "" {
		p[KeyPatientName] = sess.Patient.Name
	}
	slot := sess.SelectedSlot
	if sess.Confirmation != nil {
		p[KeyConfirmationID] = sess.Confirmation.ID
		slot = &sess.Confirmation.Slot
	}
	if slot != nil {
		p[KeyProvider] = slot.Provider
		p[KeyLocation] = slot.Location
		p[KeyDate] = slot.Date
		p[KeyTime] = slot.StartTime
		if slot.Duration > 0 {
			p[KeyDuration] = strconv.Itoa(slot.Duration)
		}
	}
	return p
}
