// Package tokenindex extracts and indexes exact tokens (identifiers, paths,
// commands, versions, error codes, flags) from memory content, supporting
// exact-token and camelCase-pattern lookups. The side table is kept in
// lockstep with its owning row: purged and re-inserted on content change.
package tokenindex

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/franalgaba/alexandria-sub000/internal/content"
)

// TokenType classifies an extracted token.
type TokenType string

const (
	TypeIdentifier TokenType = "identifier"
	TypePath       TokenType = "path"
	TypeCommand    TokenType = "command"
	TypeVersion    TokenType = "version"
	TypeErrorCode  TokenType = "error_code"
	TypeFlag       TokenType = "flag"
)

// Token is one classified token extracted from memory content.
type Token struct {
	Text string
	Type TokenType
}

var (
	reIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	reCamelOrSnake = regexp.MustCompile(`[a-z][A-Z]|_|[A-Z]{2,}[a-z]`)
	rePath       = regexp.MustCompile(`^[\w./\-]+/[\w./\-]+\.[a-zA-Z0-9]+$`)
	reVersion    = regexp.MustCompile(`^v?\d+\.\d+(\.\d+)?$`)
	reErrorCode  = regexp.MustCompile(`^(E\d+|ERR_[A-Z0-9_]+)$`)
	reFlag       = regexp.MustCompile(`^--[a-zA-Z][a-zA-Z0-9\-]*$`)
	reCommand    = regexp.MustCompile(`^[a-z][a-z0-9_\-]*$`)
	reWordSplit  = regexp.MustCompile(`\S+`)
)

// Extract scans raw text and returns every classified token found, deduped
// by (text, type).
func Extract(text string) []Token {
	seen := map[Token]struct{}{}
	var out []Token
	add := func(t Token) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	for _, word := range reWordSplit.FindAllString(text, -1) {
		w := strings.Trim(word, `.,;:!?()'"`)
		if w == "" {
			continue
		}
		switch {
		case reFlag.MatchString(w):
			add(Token{Text: w, Type: TypeFlag})
		case reErrorCode.MatchString(w):
			add(Token{Text: w, Type: TypeErrorCode})
		case rePath.MatchString(w):
			add(Token{Text: w, Type: TypePath})
		case reVersion.MatchString(w):
			add(Token{Text: w, Type: TypeVersion})
		case reIdentifier.MatchString(w) && reCamelOrSnake.MatchString(w):
			add(Token{Text: w, Type: TypeIdentifier})
		case reCommand.MatchString(w) && len(w) >= 2:
			add(Token{Text: w, Type: TypeCommand})
		}
	}
	return out
}

// Index stores and queries the object_tokens table.
type Index struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Index { return &Index{db: db} }

// IndexObject purges and re-inserts every token extracted from text for
// the given memory object id, transactionally, so the token table always
// reflects current content.
func (idx *Index) IndexObject(ctx context.Context, objectID, text string) error {
	tokens := Extract(text)

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token index tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM object_tokens WHERE object_id = ?`, objectID); err != nil {
		return fmt.Errorf("purge tokens: %w", err)
	}
	for _, t := range tokens {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO object_tokens (object_id, token, token_type) VALUES (?, ?, ?)
		`, objectID, t.Text, string(t.Type))
		if err != nil {
			return fmt.Errorf("insert token %q: %w", t.Text, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token index tx: %w", err)
	}
	committed = true
	return nil
}

// DeleteObject removes every token row for a memory object.
func (idx *Index) DeleteObject(ctx context.Context, objectID string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM object_tokens WHERE object_id = ?`, objectID)
	if err != nil {
		return fmt.Errorf("delete object tokens: %w", err)
	}
	return nil
}

// SearchByToken returns the object IDs carrying an exact token match.
func (idx *Index) SearchByToken(ctx context.Context, token string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT DISTINCT object_id FROM object_tokens WHERE token = ?`, token)
	if err != nil {
		return nil, fmt.Errorf("search by token: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan token match: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SearchByCamelFragment returns object IDs with an identifier token whose
// lowercased sub-words contain fragment as a sub-word (e.g. "user" matching
// "getUserName").
func (idx *Index) SearchByCamelFragment(ctx context.Context, fragment string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT object_id, token FROM object_tokens WHERE token_type = ?
	`, string(TypeIdentifier))
	if err != nil {
		return nil, fmt.Errorf("search camel fragment: %w", err)
	}
	defer rows.Close()

	seen := map[string]struct{}{}
	var out []string
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, fmt.Errorf("scan camel fragment match: %w", err)
		}
		if !MatchesFragment(token, fragment) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MatchesFragment reports whether any sub-token of identifier equals
// fragment, case-insensitively — used by SearchByCamelFragment callers that
// want precise filtering.
func MatchesFragment(identifier, fragment string) bool {
	for _, t := range content.Tokenize(identifier) {
		if t == strings.ToLower(fragment) {
			return true
		}
	}
	return false
}
