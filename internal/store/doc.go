// Package store persists the relay's three record families: users, groups,
// and referrals.
//
// The document layout (top-level "users", "groups", "referrals" objects with
// stringified numeric keys) is preserved from the original data file, so an
// existing file can be reused as-is with the file driver.
package store
