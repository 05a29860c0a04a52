// Package validate holds the small regexp-based identifier checks used
// at the registry and façade boundaries: Job names and the
// idempotency/concurrency keys a caller attaches to a Run.
package validate

import "regexp"

var jobNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// JobName reports whether name is a valid Job name (§3, §6).
func JobName(name string) bool {
	return jobNameRE.MatchString(name)
}

var keyRE = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,256}$`)

// Key reports whether key is a valid idempotency_key or concurrency_key
// (§3).
func Key(key string) bool {
	return keyRE.MatchString(key)
}
