// Package refs maps change identities to virtual reference paths and
// classifies push targets. Everything here is a pure function.
package refs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	MagicPrefix   = "refs/for/"
	ChangesPrefix = "refs/changes/"
	HeadsPrefix   = "refs/heads/"
	TagsPrefix    = "refs/tags/"
)

// Kind is the semantic class of a pushed ref.
type Kind int

const (
	KindMagic Kind = iota
	KindTrunk
	KindProtected
	KindBranch
	KindTag
	KindVirtual
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindMagic:
		return "magic-branch"
	case KindTrunk:
		return "trunk"
	case KindProtected:
		return "protected-branch"
	case KindBranch:
		return "branch"
	case KindTag:
		return "tag"
	case KindVirtual:
		return "virtual-ref"
	default:
		return "other"
	}
}

// PushOptions are the %-delimited options of a magic-branch push.
type PushOptions struct {
	Topic     string
	Submit    bool
	WIP       bool
	Private   bool
	Reviewers []string
	CCs       []string
}

// Classification is the result of classifying one pushed ref.
type Classification struct {
	Kind    Kind
	Target  string // destination branch short name, for magic/trunk/branch kinds
	Options PushOptions
}

// VirtualRef derives the reference path addressing one patch set. The shard
// is the last two decimal digits of the server-assigned change number,
// zero-padded, so re-derivation is stable no matter how the textual change
// key came to be.
func VirtualRef(changeNumber int64, patchSet int) string {
	return fmt.Sprintf("%s%02d/%d/%d", ChangesPrefix, changeNumber%100, changeNumber, patchSet)
}

var virtualRefPattern = regexp.MustCompile(`^refs/changes/([0-9]{2})/([1-9][0-9]*)/([1-9][0-9]*)$`)

// ParseVirtualRef is the inverse of VirtualRef. It rejects paths whose
// shard digits disagree with the change number.
func ParseVirtualRef(ref string) (changeNumber int64, patchSet int, ok bool) {
	m := virtualRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return 0, 0, false
	}
	shard, _ := strconv.Atoi(m[1])
	number, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	ps, err := strconv.Atoi(m[3])
	if err != nil {
		return 0, 0, false
	}
	if int(number%100) != shard {
		return 0, 0, false
	}
	return number, ps, true
}

// Classify determines the semantic class of refName for a project whose
// trunk is trunk. When allowDirect is false, every refs/heads/* branch
// other than the trunk is protected.
func Classify(refName, trunk string, allowDirect bool) (Classification, error) {
	switch {
	case strings.HasPrefix(refName, MagicPrefix):
		rest := strings.TrimPrefix(refName, MagicPrefix)
		target, rawOpts, hasOpts := strings.Cut(rest, "%")
		if target == "" {
			return Classification{}, fmt.Errorf("magic branch %q has no destination", refName)
		}
		var opts PushOptions
		if hasOpts {
			parsed, err := ParseOptions(rawOpts)
			if err != nil {
				return Classification{}, err
			}
			opts = parsed
		}
		return Classification{Kind: KindMagic, Target: target, Options: opts}, nil

	case strings.HasPrefix(refName, ChangesPrefix):
		return Classification{Kind: KindVirtual}, nil

	case strings.HasPrefix(refName, TagsPrefix):
		return Classification{Kind: KindTag, Target: strings.TrimPrefix(refName, TagsPrefix)}, nil

	case strings.HasPrefix(refName, HeadsPrefix):
		branch := strings.TrimPrefix(refName, HeadsPrefix)
		if branch == trunk {
			return Classification{Kind: KindTrunk, Target: branch}, nil
		}
		if allowDirect {
			return Classification{Kind: KindBranch, Target: branch}, nil
		}
		return Classification{Kind: KindProtected, Target: branch}, nil

	default:
		return Classification{Kind: KindOther}, nil
	}
}

// ParseOptions parses the %-suffix of a magic-branch push. The option list
// is split off before the destination branch is interpreted, so branch
// names containing '/' never interfere with option parsing.
func ParseOptions(raw string) (PushOptions, error) {
	var opts PushOptions
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, value, hasValue := strings.Cut(token, "=")
		switch key {
		case "topic":
			if !hasValue || value == "" {
				return PushOptions{}, fmt.Errorf("push option %q requires a value", key)
			}
			opts.Topic = value
		case "submit":
			opts.Submit = true
		case "wip":
			opts.WIP = true
		case "private":
			opts.Private = true
		case "r", "reviewer":
			if !hasValue || value == "" {
				return PushOptions{}, fmt.Errorf("push option %q requires a value", key)
			}
			opts.Reviewers = append(opts.Reviewers, value)
		case "cc":
			if !hasValue || value == "" {
				return PushOptions{}, fmt.Errorf("push option %q requires a value", key)
			}
			opts.CCs = append(opts.CCs, value)
		default:
			return PushOptions{}, fmt.Errorf("unknown push option %q", token)
		}
	}
	return opts, nil
}

// BranchRef expands a branch short name to its full refs/heads/ path.
func BranchRef(branch string) string {
	if strings.HasPrefix(branch, HeadsPrefix) {
		return branch
	}
	return HeadsPrefix + branch
}
