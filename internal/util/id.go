package util

// Abbrev shortens a commit hash for log output.
func Abbrev(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
