package credential

import (
	"errors"
	"strings"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("correct horse")
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"empty string", ""},
		{"simple api key", "sk-1234567890abcdef"},
		{"long key", strings.Repeat("a", 1000)},
		{"unicode content", "clé-日本語-🔑"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := s.Seal(tc.plaintext)
			if err != nil {
				t.Fatalf("seal failed: %v", err)
			}
			if tc.plaintext == "" {
				if sealed != "" {
					t.Errorf("empty string should stay empty, got %q", sealed)
				}
				return
			}
			if !IsSealed(sealed) {
				t.Errorf("sealed value should carry the prefix, got %q", sealed)
			}

			opened, err := s.Open(sealed)
			if err != nil {
				t.Fatalf("open failed: %v", err)
			}
			if opened != tc.plaintext {
				t.Errorf("got %q, want %q", opened, tc.plaintext)
			}
		})
	}
}

func TestSealer_PlainPassesThrough(t *testing.T) {
	s, _ := NewSealer("")
	got, err := s.Open("sk-not-sealed")
	if err != nil || got != "sk-not-sealed" {
		t.Errorf("Open(plain) = %q, %v", got, err)
	}
}

func TestSealer_WrongPassphrase(t *testing.T) {
	a, _ := NewSealer("one")
	b, _ := NewSealer("two")

	sealed, err := a.Seal("sk-secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("expected ErrOpenFailed, got %v", err)
	}
}

func TestSealer_Invalid(t *testing.T) {
	s, _ := NewSealer("x")
	for _, input := range []string{
		SealedPrefix + "not-valid-base64!!!",
		SealedPrefix + "YWJj",
	} {
		if _, err := s.Open(input); !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("Open(%q): expected ErrInvalidFormat, got %v", input, err)
		}
	}
}

func TestSealer_FreshNonces(t *testing.T) {
	s, _ := NewSealer("x")
	one, _ := s.Seal("same")
	two, _ := s.Seal("same")
	if one == two {
		t.Error("same plaintext should produce different ciphertext")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "from-env")
	env, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	direct, _ := NewSealer("from-env")

	sealed, _ := env.Seal("v")
	if got, err := direct.Open(sealed); err != nil || got != "v" {
		t.Errorf("sealer from env should match passphrase, got %q, %v", got, err)
	}
}
