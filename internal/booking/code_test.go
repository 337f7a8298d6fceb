package booking

import (
	"bytes"
	"strconv"
	"testing"
)

func TestNewVerificationCodeRange(t *testing.T) {
	for i := 0; i < 500; i++ {
		code, err := NewVerificationCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 4 {
			t.Fatalf("expected 4 digits, got %q", code)
		}
		n, err := strconv.Atoi(code)
		if err != nil || n < 1000 || n > 9999 {
			t.Fatalf("code out of range: %q", code)
		}
	}
}

func TestNewVerificationCodeReaderFailure(t *testing.T) {
	if _, err := newVerificationCode(bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error from exhausted reader")
	}
}

func TestCheckCode(t *testing.T) {
	cases := []struct {
		stored, submitted string
		want              bool
	}{
		{"5678", "5678", true},
		{"5678", "1234", false},
		{"5678", "567", false},
		{"5678", " 5678", false},
		{"", "", false},
	}
	for _, tc := range cases {
		if got := CheckCode(tc.stored, tc.submitted); got != tc.want {
			t.Errorf("CheckCode(%q, %q) = %v, want %v", tc.stored, tc.submitted, got, tc.want)
		}
	}
}
