package models

import "testing"

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"John Doe":        "johndoe",
		"  JOHN   DOE  ":  "johndoe",
		"john-doe":        "johndoe",
		"O'Brien, Mary.":  "obrienmary",
		"José Álvarez":    "joséálvarez",
		"":                "",
		"...":             "",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassificationAppointmentMinutes(t *testing.T) {
	if got := ClassificationNew.AppointmentMinutes(); got != 60 {
		t.Errorf("new: expected 60, got %d", got)
	}
	if got := ClassificationReturning.AppointmentMinutes(); got != 30 {
		t.Errorf("returning: expected 30, got %d", got)
	}
	if got := Classification("vip").AppointmentMinutes(); got != 0 {
		t.Errorf("unknown: expected 0, got %d", got)
	}
}

func TestStageSequence(t *testing.T) {
	want := []Stage{
		StageGreeting, StageLookup, StagePreferences, StageInsurance, StageContact,
		StageScheduling, StageConfirming, StageCommunicating,
		StageReminder1, StageReminder2, StageReminder3, StageComplete,
	}
	s := StageGreeting
	for i := 1; i < len(want); i++ {
		s = s.Next()
		if s != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], s)
		}
	}
	if StageComplete.Next() != StageComplete {
		t.Error("Complete must be absorbing")
	}
	if StageError.Next() != StageError {
		t.Error("Error must be absorbing")
	}
	if !StageError.IsValid() || Stage("BOGUS").IsValid() {
		t.Error("IsValid mismatch")
	}
}

func TestReminderStageMapping(t *testing.T) {
	for n := 1; n <= ReminderStageCount; n++ {
		if ReminderStage(n).ReminderNumber() != n {
			t.Errorf("round trip failed for reminder %d", n)
		}
	}
	if StageConfirming.ReminderNumber() != 0 {
		t.Error("non-reminder stage should map to 0")
	}
}

func TestSlotSpanKeysDefaultsToSelf(t *testing.T) {
	s := Slot{Provider: "Dr. Smith", Date: "2025-03-03", StartTime: "09:00", Granularity: 30, Status: SlotAvailable}
	keys := s.SpanKeys()
	if len(keys) != 1 || keys[0] != s.Key() {
		t.Fatalf("expected span of self, got %+v", keys)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid slot, got %v", err)
	}
	s.StartTime = "9am"
	if err := s.Validate(); err == nil {
		t.Error("expected invalid start time to fail validation")
	}
}

func TestIsAnyPreference(t *testing.T) {
	for _, p := range []string{"", " ", "any", "ANY", " Any "} {
		if !IsAnyPreference(p) {
			t.Errorf("expected %q to be the any sentinel", p)
		}
	}
	if IsAnyPreference("Dr. Smith") {
		t.Error("provider name treated as any")
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Success(1); r.Status != "ok" || r.Result != 1 {
		t.Errorf("unexpected success response %+v", r)
	}
	if r := Error("boom"); r.Status != "error" || r.Message != "boom" {
		t.Errorf("unexpected error response %+v", r)
	}
}
