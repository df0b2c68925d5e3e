package rec

import (
	"strings"
	"testing"

	"github.com/ricesearch/recserve/internal/pkg/errors"
)

func TestValidateK(t *testing.T) {
	tests := []struct {
		k       int
		wantErr bool
	}{
		{0, true},
		{-3, true},
		{1, false},
		{10, false},
		{100, false},
		{101, true},
	}

	for _, tt := range tests {
		err := ValidateK(tt.k)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateK(%d) error = %v, wantErr %v", tt.k, err, tt.wantErr)
		}
		if err != nil && !errors.IsValidation(err) {
			t.Errorf("ValidateK(%d) should return a validation error, got %v", tt.k, err)
		}
	}
}

func TestUserContext_Validate(t *testing.T) {
	if err := (UserContext{}).Validate(); err == nil {
		t.Error("empty user id should be rejected")
	}
	if err := (UserContext{UserID: "   "}).Validate(); err == nil {
		t.Error("blank user id should be rejected")
	}
	if err := (UserContext{UserID: "user_1"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	limits := []struct {
		name string
		user UserContext
	}{
		{"control char in id", UserContext{UserID: "u\n1"}},
		{"long device", UserContext{UserID: "u", Device: strings.Repeat("d", 64)}},
		{"empty attribute key", UserContext{UserID: "u", Attributes: map[string]string{"": "x"}}},
	}
	for _, tt := range limits {
		err := tt.user.Validate()
		if !errors.IsValidation(err) {
			t.Errorf("%s: Validate() error = %v, want validation error", tt.name, err)
		}
	}
}

func TestUserContext_Normalize(t *testing.T) {
	attrs := map[string]string{"locale": "en"}
	in := UserContext{UserID: " user_1 ", Attributes: attrs}
	out := in.Normalize()

	if out.UserID != "user_1" {
		t.Errorf("UserID = %q, want user_1", out.UserID)
	}
	if out.Device != DefaultDevice {
		t.Errorf("Device = %q, want %q", out.Device, DefaultDevice)
	}

	// The copy must not alias the caller's map.
	out.Attributes["locale"] = "de"
	if attrs["locale"] != "en" {
		t.Error("Normalize() should copy attributes")
	}

	if got := (UserContext{UserID: "u", Device: "tv"}).Normalize().Device; got != "tv" {
		t.Errorf("Device = %q, want tv", got)
	}
}
