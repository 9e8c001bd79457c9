package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lepinkainen/feed-digest/pkg/database"
)

// Timestamps are unix milliseconds in BIGINT columns so one schema serves
// both sqlite and postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS feeds (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		last_fetched BIGINT,
		fetch_count INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY,
		feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		categories TEXT NOT NULL DEFAULT '[]',
		pub_date BIGINT,
		created_at BIGINT NOT NULL,
		UNIQUE (feed_id, guid)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_created ON articles(created_at)`,
	`CREATE TABLE IF NOT EXISTS pruned_articles (
		feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		pruned_at BIGINT NOT NULL,
		PRIMARY KEY (feed_id, guid)
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		article_id TEXT NOT NULL UNIQUE REFERENCES articles(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		key_points TEXT NOT NULL DEFAULT '[]',
		sentiment TEXT NOT NULL,
		categories TEXT NOT NULL DEFAULT '[]',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		model TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
}

// SQLRepository implements Repository on pkg/database
type SQLRepository struct {
	db  *database.Database
	now func() time.Time
}

// NewSQLRepository creates the schema in db if needed
func NewSQLRepository(ctx context.Context, db *database.Database) (*SQLRepository, error) {
	if err := db.ExecuteSchema(ctx, schema...); err != nil {
		return nil, fmt.Errorf("failed to initialize repository schema: %w", err)
	}
	slog.Debug("Repository schema initialized", "driver", db.Driver())
	return &SQLRepository{db: db, now: time.Now}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(data string) []string {
	items := []string{}
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		slog.Warn("Ignoring malformed stored list", "error", err)
		return []string{}
	}
	return items
}

func notFound(err error, what, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, key)
	}
	return fmt.Errorf("failed to get %s %s: %w", what, key, err)
}

// CreateFeed inserts feed, or refreshes the metadata of the feed with the
// same URL. feed.ID is set to the stored ID.
func (r *SQLRepository) CreateFeed(ctx context.Context, feed *Feed) error {
	now := r.now().UTC()
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}

	query := r.db.Rebind(`
		INSERT INTO feeds (id, url, title, description, link, language, image_url, user_id, fetch_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			link = excluded.link,
			language = excluded.language,
			image_url = excluded.image_url,
			updated_at = excluded.updated_at`)

	_, err := r.db.DB().ExecContext(ctx, query,
		feed.ID, feed.URL, feed.Title, feed.Description, feed.Link, feed.Language, feed.ImageURL, feed.UserID,
		millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("failed to create feed %s: %w", feed.URL, err)
	}

	stored, err := r.GetFeedByURL(ctx, feed.URL)
	if err != nil {
		return err
	}
	*feed = *stored
	return nil
}

const feedColumns = `id, url, title, description, link, language, image_url, user_id, last_fetched, fetch_count, created_at, updated_at`

func scanFeed(row rowScanner) (*Feed, error) {
	var f Feed
	var lastFetched sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.Description, &f.Link, &f.Language, &f.ImageURL, &f.UserID,
		&lastFetched, &f.FetchCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.LastFetched = fromNullMillis(lastFetched)
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	return &f, nil
}

// GetFeedByURL returns the feed subscribed at url
func (r *SQLRepository) GetFeedByURL(ctx context.Context, url string) (*Feed, error) {
	row := r.db.DB().QueryRowContext(ctx, r.db.Rebind(`SELECT `+feedColumns+` FROM feeds WHERE url = ?`), url)
	feed, err := scanFeed(row)
	if err != nil {
		return nil, notFound(err, "feed", url)
	}
	return feed, nil
}

// GetFeedByID returns the feed with id
func (r *SQLRepository) GetFeedByID(ctx context.Context, id string) (*Feed, error) {
	row := r.db.DB().QueryRowContext(ctx, r.db.Rebind(`SELECT `+feedColumns+` FROM feeds WHERE id = ?`), id)
	feed, err := scanFeed(row)
	if err != nil {
		return nil, notFound(err, "feed", id)
	}
	return feed, nil
}

// ListFeeds returns all feeds, oldest first
func (r *SQLRepository) ListFeeds(ctx context.Context) ([]Feed, error) {
	rows, err := r.db.DB().QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY created_at, url`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}

// MarkFeedFetched records a successful fetch of feed id
func (r *SQLRepository) MarkFeedFetched(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.DB().ExecContext(ctx,
		r.db.Rebind(`UPDATE feeds SET last_fetched = ?, fetch_count = fetch_count + 1, updated_at = ? WHERE id = ?`),
		millis(at), millis(r.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update feed %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: feed %s", ErrNotFound, id)
	}
	return nil
}

// CreateManyArticles inserts articles in one transaction, skipping GUIDs the
// feed already has or had before DeleteArticlesOlderThan pruned them
func (r *SQLRepository) CreateManyArticles(ctx context.Context, feedID string, articles []Article) ([]string, error) {
	query := r.db.Rebind(`
		INSERT INTO articles (id, feed_id, guid, title, description, content, link, author, categories, pub_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_id, guid) DO NOTHING`)
	prunedQuery := r.db.Rebind(`SELECT 1 FROM pruned_articles WHERE feed_id = ? AND guid = ?`)

	now := millis(r.now())
	var inserted []string

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare article insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		pruned, err := tx.PrepareContext(ctx, prunedQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare pruned lookup: %w", err)
		}
		defer func() { _ = pruned.Close() }()

		for _, a := range articles {
			var seen int
			switch err := pruned.QueryRowContext(ctx, feedID, a.GUID).Scan(&seen); {
			case err == nil:
				continue
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("failed to check pruned article %s: %w", a.GUID, err)
			}

			id := uuid.NewString()
			result, err := stmt.ExecContext(ctx, id, feedID, a.GUID, a.Title, a.Description, a.Content, a.Link, a.Author,
				encodeList(a.Categories), nullMillis(a.PubDate), now)
			if err != nil {
				return fmt.Errorf("failed to insert article %s: %w", a.GUID, err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				inserted = append(inserted, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Stored articles", "feed", feedID, "items", len(articles), "new", len(inserted))
	return inserted, nil
}

const articleColumns = `id, feed_id, guid, title, description, content, link, author, categories, pub_date, created_at`

func scanArticle(row rowScanner) (*Article, error) {
	var a Article
	var categories string
	var pubDate sql.NullInt64
	var createdAt int64
	err := row.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.Description, &a.Content, &a.Link, &a.Author,
		&categories, &pubDate, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Categories = decodeList(categories)
	a.PubDate = fromNullMillis(pubDate)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// GetArticleByID returns the article with id
func (r *SQLRepository) GetArticleByID(ctx context.Context, id string) (*Article, error) {
	row := r.db.DB().QueryRowContext(ctx, r.db.Rebind(`SELECT `+articleColumns+` FROM articles WHERE id = ?`), id)
	article, err := scanArticle(row)
	if err != nil {
		return nil, notFound(err, "article", id)
	}
	return article, nil
}

// ListArticlesByFeed returns up to limit articles of a feed, newest first
func (r *SQLRepository) ListArticlesByFeed(ctx context.Context, feedID string, limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.DB().QueryContext(ctx,
		r.db.Rebind(`SELECT `+articleColumns+` FROM articles WHERE feed_id = ?
			ORDER BY COALESCE(pub_date, created_at) DESC LIMIT ?`),
		feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var articles []Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, *article)
	}
	return articles, rows.Err()
}

// DeleteArticlesOlderThan removes articles stored before cutoff together
// with their summaries. The GUIDs are kept so a feed that still lists the
// items does not bring them back as new.
func (r *SQLRepository) DeleteArticlesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO pruned_articles (feed_id, guid, pruned_at)
			SELECT feed_id, guid, ? FROM articles WHERE created_at < ?
			ON CONFLICT(feed_id, guid) DO NOTHING`), millis(r.now()), millis(cutoff)); err != nil {
			return fmt.Errorf("failed to record pruned articles: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(
			`DELETE FROM summaries WHERE article_id IN (SELECT id FROM articles WHERE created_at < ?)`), millis(cutoff)); err != nil {
			return fmt.Errorf("failed to delete summaries: %w", err)
		}
		result, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM articles WHERE created_at < ?`), millis(cutoff))
		if err != nil {
			return fmt.Errorf("failed to delete articles: %w", err)
		}
		deleted, _ = result.RowsAffected()
		return nil
	})
	return deleted, err
}

// CreateSummary stores summary, replacing an earlier summary of the same article
func (r *SQLRepository) CreateSummary(ctx context.Context, summary *Summary) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = r.now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO summaries (id, article_id, content, key_points, sentiment, categories, confidence, model, tokens, processing_time_ms, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(article_id) DO UPDATE SET
			content = excluded.content,
			key_points = excluded.key_points,
			sentiment = excluded.sentiment,
			categories = excluded.categories,
			confidence = excluded.confidence,
			model = excluded.model,
			tokens = excluded.tokens,
			processing_time_ms = excluded.processing_time_ms,
			cost = excluded.cost,
			created_at = excluded.created_at`)

	_, err := r.db.DB().ExecContext(ctx, query,
		summary.ID, summary.ArticleID, summary.Content, encodeList(summary.KeyPoints), summary.Sentiment,
		encodeList(summary.Categories), summary.Confidence, summary.Model, summary.Tokens,
		summary.ProcessingTimeMs, summary.Cost, millis(summary.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store summary for article %s: %w", summary.ArticleID, err)
	}

	stored, err := r.GetSummaryByArticleID(ctx, summary.ArticleID)
	if err != nil {
		return err
	}
	summary.ID = stored.ID
	return nil
}

const summaryColumns = `s.id, s.article_id, s.content, s.key_points, s.sentiment, s.categories, s.confidence, s.model, s.tokens, s.processing_time_ms, s.cost, s.created_at`

func scanSummary(dest *Summary) []any {
	return []any{&dest.ID, &dest.ArticleID, &dest.Content, new(string), &dest.Sentiment, new(string),
		&dest.Confidence, &dest.Model, &dest.Tokens, &dest.ProcessingTimeMs, &dest.Cost, new(int64)}
}

func finishSummary(dest *Summary, fields []any) {
	dest.KeyPoints = decodeList(*fields[3].(*string))
	dest.Categories = decodeList(*fields[5].(*string))
	dest.CreatedAt = fromMillis(*fields[11].(*int64))
}

// GetSummaryByArticleID returns the summary of an article
func (r *SQLRepository) GetSummaryByArticleID(ctx context.Context, articleID string) (*Summary, error) {
	var s Summary
	fields := scanSummary(&s)
	err := r.db.DB().QueryRowContext(ctx,
		r.db.Rebind(`SELECT `+summaryColumns+` FROM summaries s WHERE s.article_id = ?`), articleID).Scan(fields...)
	if err != nil {
		return nil, notFound(err, "summary for article", articleID)
	}
	finishSummary(&s, fields)
	return &s, nil
}

// ListRecentSummaries returns the newest summaries with their articles and feeds
func (r *SQLRepository) ListRecentSummaries(ctx context.Context, limit int) ([]ArticleSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := r.db.Rebind(`SELECT ` + summaryColumns + `,
			a.id, a.feed_id, a.guid, a.title, a.description, a.content, a.link, a.author, a.categories, a.pub_date, a.created_at,
			f.id, f.url, f.title, f.link
		FROM summaries s
		JOIN articles a ON a.id = s.article_id
		JOIN feeds f ON f.id = a.feed_id
		ORDER BY s.created_at DESC
		LIMIT ?`)

	rows, err := r.db.DB().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []ArticleSummary
	for rows.Next() {
		var item ArticleSummary
		var categories string
		var pubDate sql.NullInt64
		var createdAt int64

		fields := scanSummary(&item.Summary)
		a := &item.Article
		f := &item.Feed
		fields = append(fields,
			&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.Description, &a.Content, &a.Link, &a.Author, &categories, &pubDate, &createdAt,
			&f.ID, &f.URL, &f.Title, &f.Link)

		if err := rows.Scan(fields...); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		finishSummary(&item.Summary, fields)
		a.Categories = decodeList(categories)
		a.PubDate = fromNullMillis(pubDate)
		a.CreatedAt = fromMillis(createdAt)
		results = append(results, item)
	}
	return results, rows.Err()
}

// Stats counts feeds, articles and summaries
func (r *SQLRepository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		table string
		dest  *int
	}{
		{"feeds", &s.Feeds},
		{"articles", &s.Articles},
		{"summaries", &s.Summaries},
	}
	for _, c := range counts {
		if err := r.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return s, nil
}
