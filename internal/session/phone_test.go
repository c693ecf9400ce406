package session

import (
	"errors"
	"testing"

	"github.com/hpratama/wagate/internal/domain"
)

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "local trunk prefix replaced with country code",
			input: "081234567890",
			want:  "6281234567890@c.us",
		},
		{
			name:  "already country prefixed",
			input: "6281234567890",
			want:  "6281234567890@c.us",
		},
		{
			name:  "formatting characters stripped",
			input: "+62 812-3456-7890",
			want:  "6281234567890@c.us",
		},
		{
			name:  "leading zero with separators",
			input: "0812 3456 7890",
			want:  "6281234567890@c.us",
		},
		{
			name:    "foreign country code rejected",
			input:   "+1234",
			wantErr: true,
		},
		{
			name:    "empty input rejected",
			input:   "",
			wantErr: true,
		},
		{
			name:    "letters only rejected",
			input:   "not-a-number",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRecipient(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if !errors.Is(err, domain.ErrInvalidRecipient) {
					t.Fatalf("expected ErrInvalidRecipient, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNormalizeRecipientTrunkEquivalence(t *testing.T) {
	// A trunk-prefixed number and its country-code form must normalize
	// identically.
	withTrunk, err := NormalizeRecipient("081234567890")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	withCode, err := NormalizeRecipient("6281234567890")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withTrunk != withCode {
		t.Errorf("expected %q == %q", withTrunk, withCode)
	}
}
