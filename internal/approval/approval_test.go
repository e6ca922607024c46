package approval

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
		action   string
	}{
		{"y\n", true, "approve"},
		{"YES\n", true, "approve"},
		{"n\n", false, "deny"},
		{"\n", false, "deny"},
		{"", false, "deny"},
		{"maybe\ny\n", true, "approve"},
		{"maybe", false, "error_reading_input"},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			got := Confirm(strings.NewReader(tt.input), &out, Prompt{Action: "Release lockdown", Subject: "laptop-1", Details: []string{"key SHA256:abc"}})
			if got.Approved != tt.approved || got.UserAction != tt.action {
				t.Errorf("Confirm(%q) = %+v, want approved=%v action=%s", tt.input, got, tt.approved, tt.action)
			}
			if !strings.Contains(out.String(), "Release lockdown: laptop-1") {
				t.Errorf("prompt missing subject: %q", out.String())
			}
		})
	}
}

func TestPassphrase_FromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "correct horse")
	got, err := Passphrase("pass: ")()
	if err != nil {
		t.Fatalf("Passphrase: %v", err)
	}
	if string(got) != "correct horse" {
		t.Errorf("got %q", got)
	}
	got, err = NewPassphrase()
	if err != nil || string(got) != "correct horse" {
		t.Errorf("NewPassphrase = %q, %v", got, err)
	}
}
