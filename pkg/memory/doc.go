// Package memory indexes workspace markdown content and composes
// retrieval context for conversations.
//
// Invariants:
// - Indexed chunks remain consistent with file content hashes.
// - Session transcripts are append-only; appended bytes are indexed incrementally.
// - Search combines keyword and vector retrieval when embeddings are configured,
//   and degrades to keyword-only when they are not.
//
// Usage:
//
//	svc, _ := memory.New(memory.Config{Workspace: "/workspace", DBPath: "/data/memory.db"})
//	defer svc.Close()
//	_ = svc.Sync(ctx, false)
//	hits := svc.Search(ctx, "query", 5, nil)
//	_ = hits
package memory
