package oracle

import (
	"errors"
	"testing"
)

func TestParseGuidance_ValidObject(t *testing.T) {
	raw := `{"action":"click","target":"#submit","confidence":0.9,"reasoning":"form is complete"}`

	g, err := ParseGuidance(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Action != "click" {
		t.Errorf("expected action click, got %s", g.Action)
	}
	if g.Target != "#submit" {
		t.Errorf("expected target #submit, got %s", g.Target)
	}
	if g.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", g.Confidence)
	}
}

func TestParseGuidance_ObjectWrappedInProse(t *testing.T) {
	raw := "Sure, here is my suggestion:\n" +
		`{"action":"fill","target":"input[name=age]","confidence":0.75,"alternatives":["skip"]}` +
		"\nLet me know if you need more."

	g, err := ParseGuidance(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Action != "fill" {
		t.Errorf("expected action fill, got %s", g.Action)
	}
	if len(g.Alternatives) != 1 || g.Alternatives[0] != "skip" {
		t.Errorf("unexpected alternatives %v", g.Alternatives)
	}
}

func TestParseGuidance_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no json at all", "I can't answer that."},
		{"empty string", ""},
		{"missing action", `{"target":"#x","confidence":0.5}`},
		{"blank action", `{"action":"   ","confidence":0.5}`},
		{"confidence above one", `{"action":"click","confidence":1.5}`},
		{"negative confidence", `{"action":"click","confidence":-0.1}`},
		{"truncated object", `{"action":"click","confidence":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGuidance(tt.raw)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var me *MalformedResponseError
			if !errors.As(err, &me) {
				t.Errorf("expected MalformedResponseError, got %T", err)
			}
		})
	}
}

func TestParseGuidance_TruncatesRawInError(t *testing.T) {
	raw := make([]byte, 1024)
	for i := range raw {
		raw[i] = 'x'
	}

	_, err := ParseGuidance(string(raw))
	var me *MalformedResponseError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if len(me.Raw) > maxRawInError+3 {
		t.Errorf("raw excerpt not truncated: %d bytes", len(me.Raw))
	}
}
