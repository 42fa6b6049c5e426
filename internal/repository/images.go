package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
)

// ErrNotFound is returned when no image has the requested id.
var ErrNotFound = errors.New("image not found")

// ImageRepository wraps all SQL used by the API and worker.
type ImageRepository struct {
	pool *pgxpool.Pool
}

// NewImageRepository constructs a repository.
func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// Pending is an image waiting for derivatives.
type Pending struct {
	ImageID string
	Path    string
}

// Query selects a page of images, newest first.
type Query struct {
	Gallery      string
	Before       string
	Count        int
	CompleteOnly bool
}

// CreateUpload records a freshly stored original: its file row, the gallery
// (created on first use), the image row in queued state and the
// unprocessed_images entry the worker drains.
func (r *ImageRepository) CreateUpload(ctx context.Context, rec *model.ImageRecord) error {
	now := time.Now().UTC()
	rec.Status = model.StatusQueued
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		fileID, err := insertFile(ctx, tx, rec.Original, now)
		if err != nil {
			return err
		}
		var galleryID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO galleries (name, created_at, updated_at) VALUES ($1,$2,$2)
			ON CONFLICT (name) DO UPDATE SET updated_at = EXCLUDED.updated_at
			RETURNING id
		`, rec.Gallery, now).Scan(&galleryID)
		if err != nil {
			return fmt.Errorf("upsert gallery: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO images (id, original_file_id, gallery_id, description, alternate_text, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		`, rec.ID, fileID, galleryID, rec.Description, rec.AlternateText, rec.Status, now)
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO unprocessed_images (image_id, file_id, gallery_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$4)
		`, rec.ID, fileID, galleryID, now)
		if err != nil {
			return fmt.Errorf("insert unprocessed image: %w", err)
		}
		return nil
	})
}

func insertFile(ctx context.Context, tx pgx.Tx, f model.StoredFile, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO files (file_path, original_filename, content_type, size_bytes, checksum, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (file_path) DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING id
	`, f.Path, f.OriginalFilename, f.ContentType, f.Size, f.Checksum, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert file %s: %w", f.Path, err)
	}
	return id, nil
}

// MarkProcessing sets the status to processing.
func (r *ImageRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, model.StatusProcessing, nil)
}

// MarkFailed stores the failure message. The unprocessed_images row stays so
// the image can be retried.
func (r *ImageRepository) MarkFailed(ctx context.Context, id string, msg string) error {
	return r.updateStatus(ctx, id, model.StatusFailed, &msg)
}

func (r *ImageRepository) updateStatus(ctx context.Context, id string, status model.ImageStatus, errorMsg *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE images SET status=$1, error_message=$2, updated_at=$3 WHERE id=$4
	`, status, errorMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete stores every derivative, links the image into its gallery and
// removes it from unprocessed_images.
func (r *ImageRepository) Complete(ctx context.Context, id string, set model.DerivativeSet) error {
	now := time.Now().UTC()
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var galleryID int64
		tag, err := tx.Exec(ctx, `
			UPDATE images SET status=$1, error_message=NULL, width=$2, height=$3, updated_at=$4 WHERE id=$5
		`, model.StatusComplete, set.OriginalWidth, set.OriginalHeight, now, id)
		if err != nil {
			return fmt.Errorf("update image: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if err := tx.QueryRow(ctx, `SELECT gallery_id FROM images WHERE id=$1`, id).Scan(&galleryID); err != nil {
			return fmt.Errorf("select gallery: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM image_files WHERE image_id=$1`, id); err != nil {
			return fmt.Errorf("clear image files: %w", err)
		}
		for _, v := range set.Variants {
			fileID, err := insertFile(ctx, tx, model.StoredFile{Path: v.Path, ContentType: "image/png"}, now)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO image_files (image_id, file_id, label, width, height, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$6)
			`, id, fileID, v.Label, v.Width, v.Height, now)
			if err != nil {
				return fmt.Errorf("insert image file: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO gallery_images (gallery_id, image_id, created_at, updated_at) VALUES ($1,$2,$3,$3)
			ON CONFLICT (gallery_id, image_id) DO NOTHING
		`, galleryID, id, now)
		if err != nil {
			return fmt.Errorf("insert gallery image: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM unprocessed_images WHERE image_id=$1`, id); err != nil {
			return fmt.Errorf("delete unprocessed image: %w", err)
		}
		return nil
	})
}

const selectImage = `
	SELECT i.id, g.name, i.description, i.alternate_text, i.status, i.error_message,
		i.width, i.height, i.created_at, i.updated_at,
		f.file_path, f.original_filename, f.content_type, f.size_bytes, f.checksum
	FROM images i
	JOIN galleries g ON g.id = i.gallery_id
	JOIN files f ON f.id = i.original_file_id`

func scanImage(row pgx.Row) (*model.ImageRecord, int, int, error) {
	var (
		rec           model.ImageRecord
		errorMsg      sql.NullString
		width, height int
	)
	err := row.Scan(&rec.ID, &rec.Gallery, &rec.Description, &rec.AlternateText, &rec.Status, &errorMsg,
		&width, &height, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.Original.Path, &rec.Original.OriginalFilename, &rec.Original.ContentType, &rec.Original.Size, &rec.Original.Checksum)
	if err != nil {
		return nil, 0, 0, err
	}
	if errorMsg.Valid {
		rec.Message = errorMsg.String
	}
	return &rec, width, height, nil
}

// Get returns an image by id together with its derivatives.
func (r *ImageRepository) Get(ctx context.Context, id string) (*model.ImageRecord, error) {
	rec, width, height, err := scanImage(r.pool.QueryRow(ctx, selectImage+` WHERE i.id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select image: %w", err)
	}
	if err := r.attachDerivatives(ctx, rec, width, height); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns a page of images, newest first.
func (r *ImageRepository) List(ctx context.Context, q Query) ([]*model.ImageRecord, error) {
	if q.Before != "" {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM images WHERE id=$1)`, q.Before).Scan(&exists); err != nil {
			return nil, fmt.Errorf("select cursor: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	limit := q.Count
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.pool.Query(ctx, selectImage+`
		WHERE ($1 = '' OR g.name = $1)
		  AND (NOT $2 OR i.status = 'complete')
		  AND ($3 = '' OR (i.created_at, i.id) < (SELECT created_at, id FROM images WHERE id = $3))
		ORDER BY i.created_at DESC, i.id DESC
		LIMIT NULLIF($4, -1)
	`, q.Gallery, q.CompleteOnly, q.Before, limit)
	if err != nil {
		return nil, fmt.Errorf("select images: %w", err)
	}
	defer rows.Close()

	type sized struct {
		rec           *model.ImageRecord
		width, height int
	}
	var page []sized
	for rows.Next() {
		rec, width, height, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		page = append(page, sized{rec, width, height})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select images: %w", err)
	}

	out := make([]*model.ImageRecord, 0, len(page))
	for _, s := range page {
		if err := r.attachDerivatives(ctx, s.rec, s.width, s.height); err != nil {
			return nil, err
		}
		out = append(out, s.rec)
	}
	return out, nil
}

func (r *ImageRepository) attachDerivatives(ctx context.Context, rec *model.ImageRecord, width, height int) error {
	if rec.Status != model.StatusComplete {
		return nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT f.file_path, x.width, x.height, x.label
		FROM image_files x JOIN files f ON f.id = x.file_id
		WHERE x.image_id=$1
		ORDER BY x.width ASC, x.id ASC
	`, rec.ID)
	if err != nil {
		return fmt.Errorf("select image files: %w", err)
	}
	variants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Derivative, error) {
		var d model.Derivative
		err := row.Scan(&d.Path, &d.Width, &d.Height, &d.Label)
		return d, err
	})
	if err != nil {
		return fmt.Errorf("scan image files: %w", err)
	}
	rec.Derivatives = &model.DerivativeSet{
		Variants:       variants,
		OriginalWidth:  width,
		OriginalHeight: height,
	}
	return nil
}

// Unprocessed returns up to limit images still waiting for derivatives,
// oldest first.
func (r *ImageRepository) Unprocessed(ctx context.Context, limit int) ([]Pending, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.image_id, f.file_path
		FROM unprocessed_images u JOIN files f ON f.id = u.file_id
		ORDER BY u.id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select unprocessed images: %w", err)
	}
	pending, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Pending])
	if err != nil {
		return nil, fmt.Errorf("scan unprocessed images: %w", err)
	}
	return pending, nil
}

// LatestFilePath returns the stored path with the highest sequence, or ""
// when no file has been recorded. Groups are zero padded, so ordering by the
// width of the top group and then lexically is ordering by sequence.
func (r *ImageRepository) LatestFilePath(ctx context.Context) (string, error) {
	var p string
	err := r.pool.QueryRow(ctx, `SELECT file_path FROM files ORDER BY length(split_part(file_path, '/', 1)) DESC, file_path DESC LIMIT 1`).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select latest file: %w", err)
	}
	return p, nil
}
