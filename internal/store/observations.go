package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/tiermem/internal/memory"
)

const selectObservation = `
	SELECT o.id, o.content, o.full_content, o.importance, o.source, o.metadata,
	       o.captured_at, o.tier, v.embedding
	FROM observations o
	LEFT JOIN observation_vectors v ON v.obs_id = o.id`

// ListOptions narrows ListObservations.
type ListOptions struct {
	Source string
	Since  time.Time
	Limit  int
}

// metaText flattens metadata values for the full-text index.
func metaText(md memory.Metadata) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, md[k].String())
	}
	return strings.Join(parts, " ")
}

// SaveObservation inserts o, or updates the row with the same id. When o
// carries an embedding it is stored in the same transaction; a nil
// embedding leaves any stored vector untouched.
func (db *DB) SaveObservation(o *memory.Observation, model string) error {
	md := o.Metadata
	if md == nil {
		md = memory.Metadata{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin save observation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO observations (id, content, full_content, importance, source, metadata, meta_text,
		                          captured_at, tier, consolidated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			full_content = excluded.full_content,
			importance = excluded.importance,
			source = excluded.source,
			metadata = excluded.metadata,
			meta_text = excluded.meta_text,
			tier = excluded.tier
	`, string(o.ID), o.Content, o.FullContent, o.Importance, o.Source, string(mdJSON), metaText(md),
		o.CapturedAt.UnixMilli(), string(o.Tier), now)
	if err != nil {
		return fmt.Errorf("save observation: %w", err)
	}

	if len(o.Embedding) > 0 {
		if err := saveVector(tx, o.ID, o.Embedding, model, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save observation: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(s scanner) (memory.Observation, error) {
	var o memory.Observation
	var id, md, tier string
	var captured int64
	var blob []byte
	if err := s.Scan(&id, &o.Content, &o.FullContent, &o.Importance, &o.Source, &md, &captured, &tier, &blob); err != nil {
		return o, err
	}
	o.ID = memory.ID(id)
	o.Tier = memory.Tier(tier)
	o.CapturedAt = time.UnixMilli(captured)
	if md != "" && md != "{}" {
		if err := json.Unmarshal([]byte(md), &o.Metadata); err != nil {
			return o, fmt.Errorf("decode metadata for %s: %w", id, err)
		}
	}
	if len(blob) > 0 {
		o.Embedding = decodeEmbedding(blob)
	}
	return o, nil
}

func collect(rows *sql.Rows) ([]memory.Observation, error) {
	defer rows.Close()
	var out []memory.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetObservation returns the observation with id, or nil if not found.
func (db *DB) GetObservation(id memory.ID) (*memory.Observation, error) {
	o, err := scanObservation(db.QueryRow(selectObservation+` WHERE o.id = ?`, string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get observation: %w", err)
	}
	return &o, nil
}

// GetObservations loads the given ids. Missing ids are absent from the map.
func (db *DB) GetObservations(ctx context.Context, ids []memory.ID) (map[memory.ID]memory.Observation, error) {
	out := make(map[memory.ID]memory.Observation, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = string(id)
	}
	rows, err := db.QueryContext(ctx, selectObservation+` WHERE o.id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	list, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for _, o := range list {
		out[o.ID] = o
	}
	return out, nil
}

// ListObservations returns observations newest first.
func (db *DB) ListObservations(ctx context.Context, opts ListOptions) ([]memory.Observation, error) {
	q := selectObservation + ` WHERE 1=1`
	var args []any
	if opts.Source != "" {
		q += ` AND o.source = ?`
		args = append(args, opts.Source)
	}
	if !opts.Since.IsZero() {
		q += ` AND o.captured_at >= ?`
		args = append(args, opts.Since.UnixMilli())
	}
	q += ` ORDER BY o.captured_at DESC, o.id DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return collect(rows)
}

// MissingEmbeddings returns up to limit observations, oldest first, that have
// no stored vector or, when model is set, a vector from a different model.
func (db *DB) MissingEmbeddings(model string, limit int) ([]memory.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(selectObservation+`
		WHERE v.obs_id IS NULL OR (? != '' AND v.model != ?)
		ORDER BY o.seq
		LIMIT ?`, model, model, limit)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings: %w", err)
	}
	return collect(rows)
}

// DeleteObservations removes the given ids with their vectors and index
// entries, returning the number of rows deleted.
func (db *DB) DeleteObservations(ctx context.Context, ids []memory.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete observations: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM observation_vectors WHERE obs_id = ?`, string(id)); err != nil {
			return 0, fmt.Errorf("delete vector %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE id = ?`, string(id))
		if err != nil {
			return 0, fmt.Errorf("delete observation %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete observations: %w", err)
	}
	return deleted, nil
}

// CountObservations returns the number of stored observations.
func (db *DB) CountObservations() (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return count, nil
}
