package refs

import (
	"strings"
	"testing"
)

func TestVirtualRef(t *testing.T) {
	cases := []struct {
		number   int64
		patchSet int
		want     string
	}{
		{1, 1, "refs/changes/01/1/1"},
		{42, 3, "refs/changes/42/42/3"},
		{100, 1, "refs/changes/00/100/1"},
		{1234, 7, "refs/changes/34/1234/7"},
		{99, 12, "refs/changes/99/99/12"},
	}
	for _, tc := range cases {
		if got := VirtualRef(tc.number, tc.patchSet); got != tc.want {
			t.Errorf("VirtualRef(%d, %d) = %q, want %q", tc.number, tc.patchSet, got, tc.want)
		}
	}
}

func TestVirtualRefPure(t *testing.T) {
	a := VirtualRef(512, 4)
	b := VirtualRef(512, 4)
	if a != b {
		t.Fatalf("VirtualRef() not deterministic: %q != %q", a, b)
	}
	if VirtualRef(512, 4) == VirtualRef(512, 5) {
		t.Fatal("VirtualRef() collided for distinct patch sets")
	}
	if VirtualRef(512, 4) == VirtualRef(513, 4) {
		t.Fatal("VirtualRef() collided for distinct changes")
	}
}

func TestParseVirtualRef(t *testing.T) {
	number, ps, ok := ParseVirtualRef(VirtualRef(1234, 7))
	if !ok {
		t.Fatal("ParseVirtualRef() rejected a derived ref")
	}
	if number != 1234 || ps != 7 {
		t.Fatalf("ParseVirtualRef() = (%d, %d), want (1234, 7)", number, ps)
	}

	bad := []string{
		"refs/changes/33/1234/7", // shard mismatch
		"refs/changes/34/1234",
		"refs/changes/34/1234/0",
		"refs/changes/3/1234/7",
		"refs/heads/main",
		"refs/changes/ab/12/1",
	}
	for _, ref := range bad {
		if _, _, ok := ParseVirtualRef(ref); ok {
			t.Errorf("ParseVirtualRef(%q) accepted a malformed ref", ref)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		ref         string
		allowDirect bool
		wantKind    Kind
		wantTarget  string
	}{
		{"refs/for/main", false, KindMagic, "main"},
		{"refs/for/feature/deep/branch", false, KindMagic, "feature/deep/branch"},
		{"refs/heads/main", false, KindTrunk, "main"},
		{"refs/heads/release-1.0", false, KindProtected, "release-1.0"},
		{"refs/heads/release-1.0", true, KindBranch, "release-1.0"},
		{"refs/tags/v1.0.0", false, KindTag, "v1.0.0"},
		{"refs/changes/34/1234/7", false, KindVirtual, ""},
		{"refs/notes/commits", false, KindOther, ""},
	}
	for _, tc := range cases {
		got, err := Classify(tc.ref, "main", tc.allowDirect)
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", tc.ref, err)
		}
		if got.Kind != tc.wantKind {
			t.Errorf("Classify(%q) kind = %v, want %v", tc.ref, got.Kind, tc.wantKind)
		}
		if got.Target != tc.wantTarget {
			t.Errorf("Classify(%q) target = %q, want %q", tc.ref, got.Target, tc.wantTarget)
		}
	}
}

func TestClassifyMagicOptions(t *testing.T) {
	got, err := Classify("refs/for/feature/auth%topic=oauth,wip,r=reviewer@example.com,cc=watcher@example.com", "main", false)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.Target != "feature/auth" {
		t.Fatalf("Classify() target = %q, want %q", got.Target, "feature/auth")
	}
	if got.Options.Topic != "oauth" {
		t.Errorf("topic = %q, want %q", got.Options.Topic, "oauth")
	}
	if !got.Options.WIP {
		t.Error("wip option not set")
	}
	if len(got.Options.Reviewers) != 1 || got.Options.Reviewers[0] != "reviewer@example.com" {
		t.Errorf("reviewers = %v", got.Options.Reviewers)
	}
	if len(got.Options.CCs) != 1 || got.Options.CCs[0] != "watcher@example.com" {
		t.Errorf("ccs = %v", got.Options.CCs)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	if _, err := ParseOptions("topic="); err == nil {
		t.Error("ParseOptions(\"topic=\") expected error")
	}
	if _, err := ParseOptions("frobnicate"); err == nil {
		t.Error("ParseOptions(\"frobnicate\") expected error")
	} else if !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("ParseOptions() error %q should name the offending option", err)
	}
	if _, err := ParseOptions("submit,wip"); err != nil {
		t.Errorf("ParseOptions(\"submit,wip\") error = %v", err)
	}
}

func TestBranchRef(t *testing.T) {
	if got := BranchRef("main"); got != "refs/heads/main" {
		t.Fatalf("BranchRef(main) = %q", got)
	}
	if got := BranchRef("refs/heads/main"); got != "refs/heads/main" {
		t.Fatalf("BranchRef(refs/heads/main) = %q", got)
	}
}
