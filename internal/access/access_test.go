package access

import "testing"

func TestStaticChecker(t *testing.T) {
	checker := NewStatic([]string{"release-bot"}, []string{"admin"})

	if !checker.CanForcePush("release-bot", "widgets", "main") {
		t.Error("allowlisted account should force-push")
	}
	if checker.CanForcePush("someone", "widgets", "main") {
		t.Error("unlisted account must not force-push")
	}
	if !checker.CanDeleteTags("admin", "widgets") {
		t.Error("allowlisted account should delete tags")
	}
	if checker.CanDeleteTags("someone", "widgets") {
		t.Error("unlisted account must not delete tags")
	}
}

func TestAllowAllTagDeletion(t *testing.T) {
	checker := NewStatic(nil, nil)
	checker.AllowAllTagDeletion = true

	if !checker.CanDeleteTags("anyone", "widgets") {
		t.Error("global switch should open tag deletion to everyone")
	}
}
