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

package reindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexwatch/pulse/internal/pipeline"
)

// ContractStore reads contracts from the application's contracts table.
// The table belongs to the main application, so this store never issues
// DDL and only ever reads.
type ContractStore struct {
	pool *pgxpool.Pool
}

// NewContractStore creates a read-only contract source over the pool.
func NewContractStore(pool *pgxpool.Pool) *ContractStore {
	return &ContractStore{pool: pool}
}

// ListContracts returns up to pageSize contracts with id > afterID,
// ordered by id. An empty userID lists all users.
func (s *ContractStore) ListContracts(ctx context.Context, userID, afterID string, pageSize int) ([]pipeline.Contract, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, contract_type, content
		FROM contracts
		WHERE id > $1 AND ($2 = '' OR user_id = $2)
		ORDER BY id
		LIMIT $3`,
		afterID, userID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Contract
	for rows.Next() {
		var c pipeline.Contract
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Type, &c.Text); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
