package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Schema is applied by EnsureSchema. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS files (
	id BIGSERIAL PRIMARY KEY,
	file_path TEXT NOT NULL UNIQUE,
	original_filename TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS galleries (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	nsfw BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	original_file_id BIGINT NOT NULL REFERENCES files(id),
	gallery_id BIGINT NOT NULL REFERENCES galleries(id),
	description TEXT NOT NULL,
	alternate_text TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_created ON images(created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS image_files (
	id BIGSERIAL PRIMARY KEY,
	image_id TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	file_id BIGINT NOT NULL REFERENCES files(id),
	label TEXT NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS gallery_images (
	id BIGSERIAL PRIMARY KEY,
	gallery_id BIGINT NOT NULL REFERENCES galleries(id),
	image_id TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (gallery_id, image_id)
);
CREATE TABLE IF NOT EXISTS unprocessed_images (
	id BIGSERIAL PRIMARY KEY,
	image_id TEXT NOT NULL UNIQUE REFERENCES images(id) ON DELETE CASCADE,
	file_id BIGINT NOT NULL REFERENCES files(id),
	gallery_id BIGINT NOT NULL REFERENCES galleries(id),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the gallery tables if needed so a fresh database can be
// used without a separate migration step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
