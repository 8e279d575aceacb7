// Package access is the permission boundary this engine consumes. Policy
// modeling lives outside the system; the engine only asks yes/no questions
// about the acting account.
package access

// Checker answers the capability questions push admission needs.
type Checker interface {
	// CanForcePush reports whether the actor may push directly to a
	// protected branch.
	CanForcePush(actorID, project, branch string) bool
	// CanDeleteTags reports whether the actor may delete tags.
	CanDeleteTags(actorID, project string) bool
}

// StaticChecker implements Checker from fixed allowlists of account IDs.
// AllowAllTagDeletion opens tag deletion to every account regardless of
// the allowlist.
type StaticChecker struct {
	forcePushers map[string]bool
	tagDeleters  map[string]bool

	AllowAllTagDeletion bool
}

func NewStatic(forcePushers, tagDeleters []string) *StaticChecker {
	return &StaticChecker{
		forcePushers: toSet(forcePushers),
		tagDeleters:  toSet(tagDeleters),
	}
}

func (c *StaticChecker) CanForcePush(actorID, project, branch string) bool {
	return c.forcePushers[actorID]
}

func (c *StaticChecker) CanDeleteTags(actorID, project string) bool {
	return c.AllowAllTagDeletion || c.tagDeleters[actorID]
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
