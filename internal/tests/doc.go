// Package tests holds the integration tests of the sop package: full
// service setups against an in-memory SQLite store, driving workflow
// instances end to end through every step type.
//
// The package lives under internal/ so it never becomes an importable
// surface. Run it from the repository root:
//
//	go test ./internal/tests/...
package tests
