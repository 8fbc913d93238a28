// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vectorindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists vector entries in Postgres. Embeddings are stored as
// little-endian float32 BYTEA alongside explicit metadata columns.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the store and ensures its schema exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure vector schema: %w", err)
	}
	slog.Info("vector store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS vector_entries (
			collection    TEXT NOT NULL,
			id            TEXT NOT NULL,
			embedding     BYTEA NOT NULL,
			dimensions    INTEGER NOT NULL,
			owner_id      TEXT NOT NULL,
			user_id       TEXT DEFAULT '',
			area          TEXT DEFAULT '',
			chunk_index   INTEGER DEFAULT 0,
			total_chunks  INTEGER DEFAULT 0,
			contract_name TEXT DEFAULT '',
			contract_type TEXT DEFAULT '',
			chunk_text    TEXT DEFAULT '',
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_owner ON vector_entries(collection, owner_id);
		CREATE INDEX IF NOT EXISTS idx_vectors_user ON vector_entries(collection, user_id);
	`)
	return err
}

// Load returns every entry of a collection.
func (s *PGStore) Load(ctx context.Context, collection Collection) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, embedding, dimensions, owner_id, user_id, area,
		       chunk_index, total_chunks, contract_name, contract_type, chunk_text
		FROM vector_entries
		WHERE collection = $1
	`, string(collection))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			blob []byte
			dims int
		)
		if err := rows.Scan(
			&e.ID, &blob, &dims, &e.Meta.Owner, &e.Meta.UserID, &e.Meta.Area,
			&e.Meta.ChunkIndex, &e.Meta.TotalChunks, &e.Meta.ContractName,
			&e.Meta.ContractType, &e.Text,
		); err != nil {
			return nil, err
		}
		e.Vector = blobToFloat32(blob, dims)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Upsert writes a batch in one transaction so a partial batch never
// persists.
func (s *PGStore) Upsert(ctx context.Context, collection Collection, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO vector_entries
				(collection, id, embedding, dimensions, owner_id, user_id, area,
				 chunk_index, total_chunks, contract_name, contract_type, chunk_text)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (collection, id) DO UPDATE SET
				embedding     = EXCLUDED.embedding,
				dimensions    = EXCLUDED.dimensions,
				owner_id      = EXCLUDED.owner_id,
				user_id       = EXCLUDED.user_id,
				area          = EXCLUDED.area,
				chunk_index   = EXCLUDED.chunk_index,
				total_chunks  = EXCLUDED.total_chunks,
				contract_name = EXCLUDED.contract_name,
				contract_type = EXCLUDED.contract_type,
				chunk_text    = EXCLUDED.chunk_text,
				updated_at    = NOW()
		`, string(collection), e.ID, float32ToBlob(e.Vector), len(e.Vector),
			e.Meta.Owner, e.Meta.UserID, e.Meta.Area, e.Meta.ChunkIndex,
			e.Meta.TotalChunks, e.Meta.ContractName, e.Meta.ContractType, e.Text)
		if err != nil {
			return fmt.Errorf("upsert vector %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteByOwner removes all entries of an owner and returns the ids it
// deleted.
func (s *PGStore) DeleteByOwner(ctx context.Context, collection Collection, owner string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM vector_entries
		WHERE collection = $1 AND owner_id = $2
		RETURNING id
	`, string(collection), owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func float32ToBlob(vec []float32) []byte {
	blob := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToFloat32(blob []byte, dims int) []float32 {
	if len(blob) < dims*4 {
		dims = len(blob) / 4
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
