package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

var _ trace.Sink = (*Store)(nil)

// Save writes every node of t in one batch. Nodes without an id get one.
func (s *Store) Save(ctx context.Context, t *trace.NodeTrace) error {
	nodes := t.Nodes()
	if len(nodes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		data, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", n.NodeName, err)
		}
		batch.Queue(`
			INSERT INTO node_traces
				(id, sid, node_id, node_name, node_type, start_time, end_time, duration, running, llm_output, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			n.ID, t.SID, n.NodeID, n.NodeName, n.NodeType,
			n.StartTime, n.EndTime, n.Duration, n.RunningStatus, n.LLMOutput, data,
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save node trace %s: %w", t.SID, err)
	}
	s.logger.Debug("node trace saved", zap.String("sid", t.SID), zap.Int("nodes", len(nodes)))
	return nil
}

// Nodes returns the stored nodes of a session ordered by start time.
func (s *Store) Nodes(ctx context.Context, sid string) ([]trace.Node, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, sid, node_id, node_name, node_type, start_time, end_time, duration, running, llm_output, data
		FROM node_traces
		WHERE sid = $1
		ORDER BY start_time ASC, created_at ASC`, sid)
	if err != nil {
		return nil, fmt.Errorf("query node traces: %w", err)
	}
	defer rows.Close()

	var out []trace.Node
	for rows.Next() {
		var n trace.Node
		var data []byte
		if err := rows.Scan(&n.ID, &n.SID, &n.NodeID, &n.NodeName, &n.NodeType,
			&n.StartTime, &n.EndTime, &n.Duration, &n.RunningStatus, &n.LLMOutput, &data); err != nil {
			return nil, fmt.Errorf("scan node trace: %w", err)
		}
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode node data: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
