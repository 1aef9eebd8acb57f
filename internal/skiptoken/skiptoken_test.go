package skiptoken

import (
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	s, err := Encode(Token{AfterID: 42, ParentID: 7})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeFor(s, 7)
	if err != nil {
		t.Fatalf("DecodeFor: %v", err)
	}
	if got.AfterID != 42 || got.ParentID != 7 {
		t.Errorf("unexpected token %+v", got)
	}
}

func TestEmptyTokenIsFirstPage(t *testing.T) {
	got, err := DecodeFor("", 7)
	if err != nil {
		t.Fatalf("DecodeFor: %v", err)
	}
	if got.AfterID != 0 {
		t.Errorf("expected zero token, got %+v", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	other, err := Encode(Token{AfterID: 3, ParentID: 8})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cases := map[string]string{
		"not base64":   "%%%",
		"not json":     "bm9wZQ",
		"other parent": other,
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeFor(s, 7); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
	if _, err := Encode(Token{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for zero after id, got %v", err)
	}
}
