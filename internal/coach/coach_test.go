package coach

import (
	"strings"
	"testing"
)

func newCoach(t *testing.T) *Coach {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCoach_ParseFrame(t *testing.T) {
	c := newCoach(t)

	t.Run("Valid", func(t *testing.T) {
		frame, res := c.ParseFrame([]byte(`{"content": "what's the weather?"}`))
		if !res.Valid {
			t.Fatalf("Expected valid frame, got errors %v", res.Errors)
		}
		if frame.Content != "what's the weather?" {
			t.Errorf("Unexpected content %q", frame.Content)
		}
		if res.Err() != nil {
			t.Errorf("Expected nil Err, got %v", res.Err())
		}
	})

	t.Run("Author User Allowed", func(t *testing.T) {
		if _, res := c.ParseFrame([]byte(`{"content": "hi there", "author": "user"}`)); !res.Valid {
			t.Errorf("Expected valid frame, got %v", res.Errors)
		}
	})

	invalid := map[string]string{
		"Not JSON":        `content: hi`,
		"Missing Content": `{"text": "hi"}`,
		"Wrong Type":      `{"content": 42}`,
		"Agent Author":    `{"content": "hi", "author": "agent"}`,
		"Extra Field":     `{"content": "hi", "room": "x"}`,
		"Array":           `["hi"]`,
		"Blank Content":   `{"content": "   "}`,
	}
	for name, raw := range invalid {
		t.Run(name, func(t *testing.T) {
			_, res := c.ParseFrame([]byte(raw))
			if res.Valid {
				t.Fatalf("Expected %s to be rejected", raw)
			}
			if len(res.Errors) == 0 {
				t.Error("Expected at least one error")
			}
			if res.Err() == nil {
				t.Error("Expected non-nil Err")
			}
		})
	}
}

func TestCoach_ParseFrameReportsLocation(t *testing.T) {
	c := newCoach(t)
	_, res := c.ParseFrame([]byte(`{"content": 42}`))
	if res.Valid {
		t.Fatal("Expected invalid frame")
	}
	if !strings.Contains(strings.Join(res.Errors, " "), "content") {
		t.Errorf("Expected error to name the content field, got %v", res.Errors)
	}
}

func TestCoach_LintPrompt(t *testing.T) {
	c := newCoach(t)

	if res := c.LintPrompt(""); res.Valid {
		t.Error("Expected empty prompt to be invalid")
	}

	res := c.LintPrompt("x")
	if !res.Valid {
		t.Errorf("Expected short prompt to be valid, got %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("Expected warning for very short prompt")
	}

	res = c.LintPrompt("  padded question  ")
	if !res.Valid || len(res.Warnings) != 1 {
		t.Errorf("Expected one whitespace warning, got %+v", res)
	}
}
