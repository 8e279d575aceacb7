// Package identity generates, extracts, and validates the stable Change-Id
// that ties successive rewrites of a commit to one logical change.
package identity

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// FooterKey is the commit message footer key carrying the change identity.
const FooterKey = "Change-Id"

var (
	ErrMissingChangeID   = errors.New("missing Change-Id footer")
	ErrInvalidChangeID   = errors.New("invalid Change-Id footer")
	ErrMultipleChangeIDs = errors.New("multiple Change-Id footers")
)

var keyPattern = regexp.MustCompile(`^I[0-9a-f]{40}$`)

// Valid reports whether token is a well-formed change key: the literal
// prefix I followed by 40 lowercase hex characters.
func Valid(token string) bool {
	return keyPattern.MatchString(token)
}

// Generate derives a change key from the commit's content. The digest covers
// the tree id, the ordered parent ids, both identity lines, and the message
// with any existing Change-Id footer stripped, so identical inputs always
// yield the identical key.
func Generate(treeHash string, parentHashes []string, author, committer, message string) string {
	var b strings.Builder
	b.WriteString("tree ")
	b.WriteString(treeHash)
	b.WriteByte('\n')
	for _, parent := range parentHashes {
		b.WriteString("parent ")
		b.WriteString(parent)
		b.WriteByte('\n')
	}
	b.WriteString("author ")
	b.WriteString(author)
	b.WriteByte('\n')
	b.WriteString("committer ")
	b.WriteString(committer)
	b.WriteString("\n\n")
	b.WriteString(Strip(message))

	sum := sha1.Sum([]byte(b.String()))
	return fmt.Sprintf("I%x", sum)
}

// Extract scans the trailing footer block of a commit message for a
// Change-Id line. Exactly one well-formed occurrence returns the token;
// zero returns ErrMissingChangeID, a malformed token ErrInvalidChangeID,
// and more than one occurrence ErrMultipleChangeIDs.
func Extract(message string) (string, error) {
	var tokens []string
	for _, line := range footerBlock(message) {
		if value, ok := footerValue(line); ok {
			tokens = append(tokens, value)
		}
	}

	switch len(tokens) {
	case 0:
		return "", ErrMissingChangeID
	case 1:
		if !Valid(tokens[0]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidChangeID, tokens[0])
		}
		return tokens[0], nil
	default:
		return "", fmt.Errorf("%w: found %d", ErrMultipleChangeIDs, len(tokens))
	}
}

// Strip returns the message with any Change-Id lines removed from its
// trailing footer block. Other footer lines and the message body are
// untouched.
func Strip(message string) string {
	trailingNewline := strings.HasSuffix(message, "\n")
	trimmed := strings.TrimRight(message, "\n")
	lines := strings.Split(trimmed, "\n")
	start := footerStart(lines)

	var out []string
	for i, line := range lines {
		if i >= start {
			if _, ok := footerValue(line); ok {
				continue
			}
		}
		out = append(out, line)
	}

	// Drop a now-empty trailing paragraph.
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}

	result := strings.Join(out, "\n")
	if trailingNewline && result != "" {
		result += "\n"
	}
	return result
}

// Append adds a Change-Id footer carrying key to the message, starting a
// footer block if the message does not end in one.
func Append(message, key string) string {
	trimmed := strings.TrimRight(message, "\n")
	if trimmed == "" {
		return FooterKey + ": " + key + "\n"
	}
	lines := strings.Split(trimmed, "\n")
	start := footerStart(lines)
	if start > 0 && looksLikeFooter(lines[len(lines)-1]) {
		return trimmed + "\n" + FooterKey + ": " + key + "\n"
	}
	return trimmed + "\n\n" + FooterKey + ": " + key + "\n"
}

// footerBlock returns the lines of the message's final paragraph.
func footerBlock(message string) []string {
	trimmed := strings.TrimRight(message, "\n")
	if trimmed == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	return lines[footerStart(lines):]
}

func footerStart(lines []string) int {
	start := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			start = i + 1
		}
	}
	return start
}

func footerValue(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, FooterKey+":")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func looksLikeFooter(line string) bool {
	key, _, found := strings.Cut(line, ":")
	if !found {
		return false
	}
	key = strings.TrimSpace(key)
	return key != "" && !strings.ContainsAny(key, " \t")
}
