// Package vectorindex provides an embedding store and nearest-neighbor
// search over events and memory objects, backed by a native ANN virtual
// table when available and an exact-cosine in-memory fallback otherwise.
// The Embedder is a single-method collaborator interface injected at
// construction; an unavailable embedding backend degrades the caller rather
// than failing it.
package vectorindex

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Dimensions is the fixed embedding width.
const Dimensions = 384

// Embedder converts text to a unit-normalized embedding vector. Failures are
// non-fatal to ingestion; callers log and continue.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit is a nearest-neighbor match; Distance is 1-cos(a,b), ascending (closer
// is smaller), matching both the native MATCH ordering and the fallback.
type Hit struct {
	ID       string
	Distance float64
}

// Index is a per-entity-kind vector store. Two instances are created by the
// engine: one for events, one for memory objects.
type Index struct {
	db       *sql.DB
	table    string // fallback persistence table, e.g. "object_embeddings_fallback"
	idCol    string
	embedder Embedder
	native   bool // linked SQLite exposes a vec0-style ANN virtual table

	mu      sync.RWMutex
	vectors map[string][]float32 // in-memory mirror, authoritative for the fallback path
}

// New constructs an Index over the persistence table named by table/idCol.
// The linked SQLite build is probed once for native ANN support; without it,
// vectors are held in an in-memory map preloaded from the fallback table.
func New(ctx context.Context, db *sql.DB, table, idCol string, embedder Embedder) (*Index, error) {
	idx := &Index{db: db, table: table, idCol: idCol, embedder: embedder, vectors: map[string][]float32{}}
	if probeNative(ctx, db) {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS %s_ann USING vec0(
				%s TEXT PRIMARY KEY,
				embedding FLOAT[%d] distance_metric=cosine
			)
		`, table, idCol, Dimensions)); err == nil {
			idx.native = true
			return idx, nil
		}
	}
	if err := idx.preload(ctx); err != nil {
		return nil, fmt.Errorf("preload vector index %s: %w", table, err)
	}
	return idx, nil
}

// probeNative reports whether the linked SQLite exposes the sqlite-vec
// extension. Absence is the normal case and degrades to the exact-cosine
// fallback rather than surfacing an error.
func probeNative(ctx context.Context, db *sql.DB) bool {
	var version string
	return db.QueryRowContext(ctx, `SELECT vec_version()`).Scan(&version) == nil
}

func (idx *Index) preload(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, vector FROM %s`, idx.idCol, idx.table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		vec, err := decodeVector(raw)
		if err != nil {
			return fmt.Errorf("decode vector for %s: %w", id, err)
		}
		idx.vectors[id] = vec
	}
	return rows.Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	r := bytes.NewReader(raw)
	for i := range out {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return nil, err
		}
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// index embeds text and stores the resulting vector under id. An embedding
// failure is returned to the caller as an error.
func (idx *Index) index(ctx context.Context, id, text string) error {
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed text: %w", err)
	}
	vec = normalize(vec)

	if idx.native {
		// vec0 virtual tables reject upserts; replace by delete-then-insert.
		if _, err := idx.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_ann WHERE %s = ?`, idx.table, idx.idCol), id); err != nil {
			return fmt.Errorf("replace ann vector: %w", err)
		}
		if _, err := idx.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s_ann (%s, embedding) VALUES (?, ?)
		`, idx.table, idx.idCol), id, encodeVector(vec)); err != nil {
			return fmt.Errorf("insert ann vector: %w", err)
		}
		return nil
	}

	idx.mu.Lock()
	idx.vectors[id] = vec
	idx.mu.Unlock()

	_, err = idx.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s, vector) VALUES (?, ?)
		ON CONFLICT(%s) DO UPDATE SET vector = excluded.vector
	`, idx.table, idx.idCol, idx.idCol), id, encodeVector(vec))
	if err != nil {
		return fmt.Errorf("persist vector: %w", err)
	}
	return nil
}

// IndexEvent embeds and stores a vector for an event id.
func (idx *Index) IndexEvent(ctx context.Context, eventID, text string) error {
	return idx.index(ctx, eventID, text)
}

// IndexObject embeds and stores a vector for a memory object id.
func (idx *Index) IndexObject(ctx context.Context, objectID, text string) error {
	return idx.index(ctx, objectID, text)
}

// DeleteEvent removes an event's vector.
func (idx *Index) DeleteEvent(ctx context.Context, eventID string) error { return idx.delete(ctx, eventID) }

// DeleteObject removes a memory object's vector.
func (idx *Index) DeleteObject(ctx context.Context, objectID string) error { return idx.delete(ctx, objectID) }

func (idx *Index) delete(ctx context.Context, id string) error {
	if idx.native {
		if _, err := idx.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_ann WHERE %s = ?`, idx.table, idx.idCol), id); err != nil {
			return fmt.Errorf("delete ann vector: %w", err)
		}
		return nil
	}
	idx.mu.Lock()
	delete(idx.vectors, id)
	idx.mu.Unlock()
	_, err := idx.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, idx.table, idx.idCol), id)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// search embeds the query and runs nearest-neighbor search: a MATCH-style
// k-NN against the ann virtual table on the native path, or exact cosine
// over the in-memory mirror (bounded by the count of currently-indexed
// vectors) on the fallback path.
func (idx *Index) search(ctx context.Context, query string, k int) ([]Hit, error) {
	qvec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qvec = normalize(qvec)

	if idx.native {
		return idx.searchNative(ctx, qvec, k)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]Hit, 0, len(idx.vectors))
	for id, vec := range idx.vectors {
		hits = append(hits, Hit{ID: id, Distance: 1 - cosine(qvec, vec)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID // deterministic tie-break
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (idx *Index) searchNative(ctx context.Context, qvec []float32, k int) ([]Hit, error) {
	rows, err := idx.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, distance FROM %s_ann
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance ASC
	`, idx.idCol, idx.table), encodeVector(qvec), k)
	if err != nil {
		return nil, fmt.Errorf("ann search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan ann hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchSimilarEvents returns the k nearest event vectors to query.
func (idx *Index) SearchSimilarEvents(ctx context.Context, query string, k int) ([]Hit, error) {
	return idx.search(ctx, query, k)
}

// SearchSimilarObjects returns the k nearest memory-object vectors to query.
func (idx *Index) SearchSimilarObjects(ctx context.Context, query string, k int) ([]Hit, error) {
	return idx.search(ctx, query, k)
}
