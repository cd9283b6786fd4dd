// Package codetruth defines the CodeTruth collaborator interface (the
// actual git invocation lives outside this module) and the staleness
// classifier that uses it. External collaborators are modeled as
// single-purpose capability interfaces injected at construction.
package codetruth

import "context"

// CodeTruth resolves code references against the current working tree and
// commit. Implementations live outside this module (a git subprocess
// wrapper, an LSP-backed resolver, a test fake).
type CodeTruth interface {
	GitRoot(ctx context.Context) (string, error)
	CurrentCommit(ctx context.Context) (string, error)
	ChangedFilesSince(ctx context.Context, commit string) ([]string, error)
	FileExists(ctx context.Context, path string) (bool, error)
	SymbolExists(ctx context.Context, path, name string) (bool, error)
	HashFile(ctx context.Context, path string) (string, error)
	HashLineRange(ctx context.Context, path string, start, end int) (string, error)
}
