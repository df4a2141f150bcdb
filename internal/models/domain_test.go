package models

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeDomainName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"App.Example.COM", "app.example.com", false},
		{"  example.io ", "example.io", false},
		{"a-b.c-d.dev", "a-b.c-d.dev", false},
		{"localhost", "", true},
		{"-bad.example.com", "", true},
		{"bad_.example.com", "", true},
		{"example.c", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeDomainName(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("NormalizeDomainName(%q) err = %v, want validation error", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeDomainName(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestValidatePort(t *testing.T) {
	for _, p := range []int{1, 80, 65535} {
		if err := ValidatePort(p); err != nil {
			t.Errorf("ValidatePort(%d) = %v", p, err)
		}
	}
	for _, p := range []int{0, -1, 65536} {
		if err := ValidatePort(p); !errors.Is(err, ErrValidation) {
			t.Errorf("ValidatePort(%d) should fail", p)
		}
	}
}

func TestDomainTransitions(t *testing.T) {
	now := time.Now()
	d := &Domain{Status: DomainStatusPending}

	d.MarkPending(now, "no A records")
	if d.Status != DomainStatusPending || d.ErrorMessage == "" || d.LastCheckedAt == nil {
		t.Fatalf("unexpected pending state: %+v", d)
	}

	d.MarkVerified(now)
	if d.Status != DomainStatusVerified || d.ErrorMessage != "" {
		t.Fatalf("unexpected verified state: %+v", d)
	}
	if d.NeedsCleanup() {
		t.Error("verified domain should not need cleanup")
	}

	d.MarkActive(now, "/etc/nginx/sites-available/x.conf")
	if !d.SSLEnabled || d.ConfigPath == "" || d.ActivatedAt == nil {
		t.Fatalf("active domain missing ssl/config: %+v", d)
	}

	d.MarkError("reload failed")
	if !d.NeedsCleanup() {
		t.Error("errored domain should need cleanup")
	}
}
