package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/lazypower/tiermem/internal/memory"
)

// VectorRecord holds the embedding of one observation.
type VectorRecord struct {
	ID         memory.ID
	Embedding  []float32
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float32 to a binary BLOB (4 bytes per float32).
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float32.
func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func saveVector(x execer, id memory.ID, embedding []float32, model string, now int64) error {
	blob := encodeEmbedding(embedding)
	_, err := x.Exec(`
		INSERT INTO observation_vectors (obs_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(obs_id) DO UPDATE SET embedding = ?, model = ?, dimensions = ?, created_at = ?
	`, string(id), blob, model, len(embedding), now,
		blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// SaveVector stores or replaces the embedding for an observation.
func (db *DB) SaveVector(id memory.ID, embedding []float32, model string) error {
	return saveVector(db, id, embedding, model, time.Now().UnixMilli())
}

// GetVector returns the embedding for an observation, or nil if not found.
func (db *DB) GetVector(id memory.ID) (*VectorRecord, error) {
	var v VectorRecord
	var obsID string
	var blob []byte

	err := db.QueryRow(`
		SELECT obs_id, embedding, model, dimensions, created_at
		FROM observation_vectors WHERE obs_id = ?
	`, string(id)).Scan(&obsID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.ID = memory.ID(obsID)
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// AllVectors returns all stored vector records.
func (db *DB) AllVectors() ([]VectorRecord, error) {
	rows, err := db.Query(`
		SELECT obs_id, embedding, model, dimensions, created_at
		FROM observation_vectors
	`)
	if err != nil {
		return nil, fmt.Errorf("all vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var obsID string
		var blob []byte
		if err := rows.Scan(&obsID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.ID = memory.ID(obsID)
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// CountVectors returns the number of stored embeddings.
func (db *DB) CountVectors() (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM observation_vectors`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return count, nil
}
