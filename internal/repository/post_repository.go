package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"feedmedia/internal/domain"
)

type PostRepository struct {
	db *sqlx.DB
}

func NewPostRepository(db *sqlx.DB) *PostRepository {
	return &PostRepository{db: db}
}

// Create inserts the post and fills in the id and timestamp stored by the
// database. A post for the same object already recorded is updated in place and
// keeps its original id, so recording a finalized upload twice is harmless.
func (r *PostRepository) Create(ctx context.Context, post *domain.Post) error {
	query := `
        INSERT INTO posts (post_id, author_id, author_username, title, caption, content,
                           object_name, content_type, size_bytes)
        VALUES (:post_id, :author_id, :author_username, :title, :caption, :content,
                :object_name, :content_type, :size_bytes)
        ON CONFLICT (object_name) DO UPDATE SET
            author_username = EXCLUDED.author_username,
            title = EXCLUDED.title,
            caption = EXCLUDED.caption,
            content = EXCLUDED.content
        RETURNING post_id, created_at`

	rows, err := r.db.NamedQueryContext(ctx, query, post)
	if err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&post.PostID, &post.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan post: %w", err)
		}
	}
	return rows.Err()
}
