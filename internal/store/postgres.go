package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		conversation_id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		finalized_count INTEGER NOT NULL DEFAULT 0,
		discarded_count INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE TABLE IF NOT EXISTS finalized_chunks (
		id BIGSERIAL PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		content TEXT NOT NULL,
		speaker_id TEXT,
		speaker_role TEXT,
		audio_start_ms DOUBLE PRECISION,
		audio_end_ms DOUBLE PRECISION,
		confidence DOUBLE PRECISION,
		provider TEXT,
		finalized_at TIMESTAMPTZ NOT NULL,
		UNIQUE(conversation_id, chunk_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finalized_chunks_conversation ON finalized_chunks (conversation_id, id)`,
	`CREATE TABLE IF NOT EXISTS analysis_results (
		conversation_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		response_text TEXT NOT NULL,
		speaker_role TEXT,
		relevance_score DOUBLE PRECISION NOT NULL,
		clarity_score DOUBLE PRECISION NOT NULL,
		key_points TEXT[],
		analyzed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, chunk_id)
	)`,
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := runMigration(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func runMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendFinalized appends a chunk to the finalized log. The unique
// constraint on (conversation_id, chunk_id) backs the append-once rule even
// across process restarts; conflicting appends are dropped.
func (p *Postgres) AppendFinalized(ctx context.Context, chunk FinalizedChunk) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO finalized_chunks
		 (conversation_id, chunk_id, seq, content, speaker_id, speaker_role,
		  audio_start_ms, audio_end_ms, confidence, provider, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (conversation_id, chunk_id) DO NOTHING`,
		chunk.ConversationID, chunk.ChunkID, chunk.Seq, chunk.Text,
		chunk.SpeakerID, chunk.SpeakerRole, chunk.AudioStartMs, chunk.AudioEndMs,
		chunk.Confidence, chunk.Provider, chunk.FinalizedAt)
	return err
}

// Finalized returns the finalized log for a conversation in append order.
func (p *Postgres) Finalized(ctx context.Context, conversationID string) ([]FinalizedChunk, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT conversation_id, chunk_id, seq, content, speaker_id, speaker_role,
		        audio_start_ms, audio_end_ms, confidence, provider, finalized_at
		 FROM finalized_chunks WHERE conversation_id = $1 ORDER BY id ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []FinalizedChunk
	for rows.Next() {
		var c FinalizedChunk
		if err := rows.Scan(&c.ConversationID, &c.ChunkID, &c.Seq, &c.Text,
			&c.SpeakerID, &c.SpeakerRole, &c.AudioStartMs, &c.AudioEndMs,
			&c.Confidence, &c.Provider, &c.FinalizedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SaveSession records a completed session summary.
func (p *Postgres) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (conversation_id, started_at, ended_at, finalized_count, discarded_count, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   ended_at = EXCLUDED.ended_at,
		   finalized_count = EXCLUDED.finalized_count,
		   discarded_count = EXCLUDED.discarded_count,
		   metadata = EXCLUDED.metadata`,
		rec.ConversationID, rec.StartedAt, rec.EndedAt,
		rec.FinalizedCount, rec.DiscardedCount, rec.Metadata)
	return err
}

// SaveAnalysis upserts an analysis result keyed by conversation and chunk.
func (p *Postgres) SaveAnalysis(ctx context.Context, res AnalysisResult) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO analysis_results
		 (conversation_id, chunk_id, response_text, speaker_role,
		  relevance_score, clarity_score, key_points, analyzed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (conversation_id, chunk_id) DO UPDATE SET
		   response_text = EXCLUDED.response_text,
		   speaker_role = EXCLUDED.speaker_role,
		   relevance_score = EXCLUDED.relevance_score,
		   clarity_score = EXCLUDED.clarity_score,
		   key_points = EXCLUDED.key_points,
		   analyzed_at = EXCLUDED.analyzed_at`,
		res.ConversationID, res.ChunkID, res.ResponseText, res.SpeakerRole,
		res.RelevanceScore, res.ClarityScore, res.KeyPoints, res.AnalyzedAt)
	return err
}

// AnalysisFor returns all analysis results for a conversation.
func (p *Postgres) AnalysisFor(ctx context.Context, conversationID string) ([]AnalysisResult, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT conversation_id, chunk_id, response_text, speaker_role,
		        relevance_score, clarity_score, key_points, analyzed_at
		 FROM analysis_results WHERE conversation_id = $1 ORDER BY analyzed_at ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AnalysisResult
	for rows.Next() {
		var r AnalysisResult
		if err := rows.Scan(&r.ConversationID, &r.ChunkID, &r.ResponseText,
			&r.SpeakerRole, &r.RelevanceScore, &r.ClarityScore, &r.KeyPoints,
			&r.AnalyzedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Ping checks connectivity to the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
