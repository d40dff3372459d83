package domain

import "context"

// Association records how a crawled post relates to a user. A post observed
// in a user's own feed gets an authored row; a post observed in a liked feed
// gets a liked-by row for the viewer. Both may exist for the same post.
type Association struct {
	// OwnerPost links the post to its author in the authored relation.
	OwnerPost bool

	// LikedBy, when non-empty, links the post to this viewer sec_uid in the
	// liked-by relation.
	LikedBy string
}

// Store defines persistence operations for crawled records. Upserts are
// keyed by each entity's natural identifier and replace all scalar fields on
// conflict; association inserts are idempotent.
type Store interface {
	// UpsertPost inserts or refreshes a post and, as a side effect, its
	// author, music, and mix dimensions. The whole write is one transaction.
	UpsertPost(ctx context.Context, post *Post, assoc Association) error

	// BulkUpsert applies UpsertPost once per element in input order. It is
	// not atomic across the batch: a failure partway leaves earlier elements
	// committed.
	BulkUpsert(ctx context.Context, posts []*Post, assoc Association) error

	// HasUserPost reports whether the authored association already exists.
	// Used by the incremental crawl stop; a cheap indexed read.
	HasUserPost(ctx context.Context, secUID, awemeID string) (bool, error)

	// HasUserLike reports whether the liked-by association already exists.
	HasUserLike(ctx context.Context, secUID, awemeID string) (bool, error)
}
