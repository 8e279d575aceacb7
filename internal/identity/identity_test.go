package identity

import (
	"errors"
	"strings"
	"testing"
)

func validKey(fill string) string {
	return "I" + strings.Repeat(fill, 40)
}

func TestValid(t *testing.T) {
	cases := []struct {
		token string
		want  bool
	}{
		{validKey("a"), true},
		{"I0123456789abcdef0123456789abcdef01234567", true},
		{"", false},
		{strings.Repeat("a", 41), false},
		{"I" + strings.Repeat("A", 40), false},
		{"I" + strings.Repeat("g", 40), false},
		{"I" + strings.Repeat("a", 39), false},
		{"I" + strings.Repeat("a", 41), false},
		{"x" + strings.Repeat("a", 40), false},
	}
	for _, tc := range cases {
		if got := Valid(tc.token); got != tc.want {
			t.Errorf("Valid(%q) = %v, want %v", tc.token, got, tc.want)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	tree := strings.Repeat("1", 40)
	parents := []string{strings.Repeat("2", 40)}
	author := "Ann Author <ann@example.com>"
	committer := "Cal Committer <cal@example.com>"

	a := Generate(tree, parents, author, committer, "Fix the flux capacitor\n")
	b := Generate(tree, parents, author, committer, "Fix the flux capacitor\n")
	if a != b {
		t.Fatalf("Generate() not deterministic: %q != %q", a, b)
	}
	if !Valid(a) {
		t.Fatalf("Generate() produced invalid key %q", a)
	}

	c := Generate(strings.Repeat("3", 40), parents, author, committer, "Fix the flux capacitor\n")
	if c == a {
		t.Fatalf("Generate() ignored tree hash: %q == %q", c, a)
	}
}

func TestGenerateStripsExistingFooter(t *testing.T) {
	tree := strings.Repeat("1", 40)
	author := "Ann Author <ann@example.com>"
	committer := "Cal Committer <cal@example.com>"

	plain := Generate(tree, nil, author, committer, "Fix bug\n")
	footered := Generate(tree, nil, author, committer, "Fix bug\n\nChange-Id: "+validKey("b")+"\n")
	if plain != footered {
		t.Fatalf("Generate() should ignore an existing footer: %q != %q", plain, footered)
	}
}

func TestExtract(t *testing.T) {
	key := validKey("a")

	got, err := Extract("Fix bug\n\nChange-Id: " + key + "\n")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != key {
		t.Fatalf("Extract() = %q, want %q", got, key)
	}

	if _, err := Extract("Fix bug\n"); !errors.Is(err, ErrMissingChangeID) {
		t.Fatalf("Extract() error = %v, want ErrMissingChangeID", err)
	}

	if _, err := Extract("Fix bug\n\nChange-Id: not-a-key\n"); !errors.Is(err, ErrInvalidChangeID) {
		t.Fatalf("Extract() error = %v, want ErrInvalidChangeID", err)
	}

	double := "Fix bug\n\nChange-Id: " + key + "\nChange-Id: " + validKey("b") + "\n"
	if _, err := Extract(double); !errors.Is(err, ErrMultipleChangeIDs) {
		t.Fatalf("Extract() error = %v, want ErrMultipleChangeIDs", err)
	}
}

func TestExtractOnlyReadsTrailingBlock(t *testing.T) {
	key := validKey("a")
	message := "Subject\n\nChange-Id: " + key + "\n\nReviewed-by: someone\n"
	if _, err := Extract(message); !errors.Is(err, ErrMissingChangeID) {
		t.Fatalf("Extract() error = %v, want ErrMissingChangeID for footer outside trailing block", err)
	}

	message = "Subject\n\nSigned-off-by: a <a@example.com>\nChange-Id: " + key + "\n"
	got, err := Extract(message)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != key {
		t.Fatalf("Extract() = %q, want %q", got, key)
	}
}

func TestStrip(t *testing.T) {
	key := validKey("a")

	got := Strip("Fix bug\n\nChange-Id: " + key + "\n")
	if got != "Fix bug\n" {
		t.Fatalf("Strip() = %q, want %q", got, "Fix bug\n")
	}

	in := "Fix bug\n\nSigned-off-by: a <a@example.com>\nChange-Id: " + key + "\n"
	want := "Fix bug\n\nSigned-off-by: a <a@example.com>\n"
	if got := Strip(in); got != want {
		t.Fatalf("Strip() = %q, want %q", got, want)
	}

	if got := Strip("Fix bug\n"); got != "Fix bug\n" {
		t.Fatalf("Strip() changed a message without footer: %q", got)
	}
}

func TestAppend(t *testing.T) {
	key := validKey("c")

	got := Append("Fix bug", key)
	want := "Fix bug\n\nChange-Id: " + key + "\n"
	if got != want {
		t.Fatalf("Append() = %q, want %q", got, want)
	}

	got = Append("Fix bug\n\nSigned-off-by: a <a@example.com>\n", key)
	want = "Fix bug\n\nSigned-off-by: a <a@example.com>\nChange-Id: " + key + "\n"
	if got != want {
		t.Fatalf("Append() = %q, want %q", got, want)
	}

	extracted, err := Extract(Append("Fix bug", key))
	if err != nil {
		t.Fatalf("Extract(Append()) error = %v", err)
	}
	if extracted != key {
		t.Fatalf("Extract(Append()) = %q, want %q", extracted, key)
	}
}
