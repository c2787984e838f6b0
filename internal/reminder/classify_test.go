package reminder

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		text   string
		reply  Reply
		reason string
	}{
		{"Yes", ReplyPositive, ""},
		{"yep, forms are done!", ReplyPositive, ""},
		{"Confirmed", ReplyPositive, ""},
		{"No, schedule conflict", ReplyNegative, "schedule conflict"},
		{"I need to cancel because of a schedule conflict", ReplyNegative, "schedule conflict"},
		{"not done yet", ReplyNegative, "yet"},
		{"I haven't", ReplyNegative, ""},
		{"no", ReplyNegative, ""},
		{"Yes, no problem", ReplyPositive, ""},
		{"Confirmed, can't wait!", ReplyPositive, ""},
		{"yes, I'll be there, no worries", ReplyPositive, ""},
		{"No problem, see you then", ReplyPositive, ""},
		{"Confirmed, can’t wait", ReplyPositive, ""},
		{"I won't be there, car trouble", ReplyNegative, "car trouble"},
		{"I can't make it", ReplyNegative, ""},
		{"nope", ReplyNegative, ""},
		{"what time is it?", ReplyUnrecognized, ""},
		{"   ", ReplyUnrecognized, ""},
		{"nothing", ReplyUnrecognized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			reply, reason := Classify(tt.text)
			if reply != tt.reply || reason != tt.reason {
				t.Errorf("Classify(%q) = %v, %q; want %v, %q", tt.text, reply, reason, tt.reply, tt.reason)
			}
		})
	}
}
