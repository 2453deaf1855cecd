package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/marketcompass/compass/internal/models"
)

// SQLitePatternRepository implements PatternRepository for SQLite.
type SQLitePatternRepository struct {
	db *sql.DB
}

// NewSQLitePatternRepository creates a new SQLite pattern repository.
func NewSQLitePatternRepository(db *sql.DB) *SQLitePatternRepository {
	return &SQLitePatternRepository{db: db}
}

func (r *SQLitePatternRepository) ListEnabledPhrases(ctx context.Context) ([]models.PatternPhrase, error) {
	query := `
		SELECT id, kind, phrase, is_enabled, created_at, updated_at
		FROM pattern_phrases WHERE is_enabled = 1 ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern phrases: %w", err)
	}
	defer rows.Close()

	var phrases []models.PatternPhrase
	for rows.Next() {
		var p models.PatternPhrase
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Kind, &p.Phrase, &p.IsEnabled, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		phrases = append(phrases, p)
	}
	return phrases, rows.Err()
}

func (r *SQLitePatternRepository) CreatePhrase(ctx context.Context, phrase *models.PatternPhrase) error {
	if phrase.ID == "" {
		phrase.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	phrase.Phrase = strings.ToLower(strings.TrimSpace(phrase.Phrase))
	phrase.CreatedAt = now
	phrase.UpdatedAt = now

	query := `
		INSERT INTO pattern_phrases (id, kind, phrase, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		phrase.ID, phrase.Kind, phrase.Phrase, phrase.IsEnabled,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create pattern phrase: %w", err)
	}
	return nil
}

func (r *SQLitePatternRepository) UpsertSuggestion(ctx context.Context, s *models.PatternSuggestion) error {
	existing, err := r.getSuggestion(ctx, s.Kind, s.Phrase)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if existing == nil {
		if s.ID == "" {
			s.ID = ulid.Make().String()
		}
		s.MatchCountMax = s.MatchCountLast
		s.LLMConfidenceMax = s.LLMConfidenceLast
		s.FirstSeenAt = now
		s.LastSeenAt = now

		query := `
			INSERT INTO pattern_suggestions (id, kind, phrase,
				match_count_last, match_count_max, llm_confidence_last,
				llm_confidence_max, sample_size_last, examples_json,
				last_run_id, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := r.db.ExecContext(ctx, query,
			s.ID, s.Kind, s.Phrase,
			s.MatchCountLast, s.MatchCountMax, nullFloatPtr(s.LLMConfidenceLast),
			nullFloatPtr(s.LLMConfidenceMax), s.SampleSizeLast, s.ExamplesJSON,
			nullStringPtr(s.LastRunID), now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert pattern suggestion: %w", err)
		}
		return nil
	}

	// *_last is overwritten by each run; *_max only ever grows.
	s.ID = existing.ID
	s.MatchCountMax = existing.MatchCountMax
	if s.MatchCountLast > s.MatchCountMax {
		s.MatchCountMax = s.MatchCountLast
	}
	s.LLMConfidenceMax = existing.LLMConfidenceMax
	if s.LLMConfidenceLast != nil &&
		(s.LLMConfidenceMax == nil || *s.LLMConfidenceLast > *s.LLMConfidenceMax) {
		s.LLMConfidenceMax = s.LLMConfidenceLast
	}
	s.FirstSeenAt = existing.FirstSeenAt
	s.LastSeenAt = now

	query := `
		UPDATE pattern_suggestions SET match_count_last = ?, match_count_max = ?,
			llm_confidence_last = ?, llm_confidence_max = ?, sample_size_last = ?,
			examples_json = ?, last_run_id = ?, last_seen_at = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, query,
		s.MatchCountLast, s.MatchCountMax,
		nullFloatPtr(s.LLMConfidenceLast), nullFloatPtr(s.LLMConfidenceMax), s.SampleSizeLast,
		s.ExamplesJSON, nullStringPtr(s.LastRunID), now.Format(time.RFC3339),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pattern suggestion: %w", err)
	}
	return nil
}

func (r *SQLitePatternRepository) getSuggestion(ctx context.Context, kind models.PatternKind, phrase string) (*models.PatternSuggestion, error) {
	query := `
		SELECT id, kind, phrase, match_count_last, match_count_max,
			llm_confidence_last, llm_confidence_max, sample_size_last,
			examples_json, last_run_id, first_seen_at, last_seen_at
		FROM pattern_suggestions WHERE kind = ? AND phrase = ?
	`
	s, err := scanSuggestionRow(r.db.QueryRowContext(ctx, query, kind, phrase).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SQLitePatternRepository) ListSuggestions(ctx context.Context, kind models.PatternKind, limit int) ([]*models.PatternSuggestion, error) {
	query := `
		SELECT id, kind, phrase, match_count_last, match_count_max,
			llm_confidence_last, llm_confidence_max, sample_size_last,
			examples_json, last_run_id, first_seen_at, last_seen_at
		FROM pattern_suggestions WHERE kind = ?
		ORDER BY match_count_last DESC, phrase LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []*models.PatternSuggestion
	for rows.Next() {
		s, err := scanSuggestionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, s)
	}
	return suggestions, rows.Err()
}

func scanSuggestionRow(scan func(...any) error) (*models.PatternSuggestion, error) {
	var s models.PatternSuggestion
	var confLast, confMax sql.NullFloat64
	var lastRunID sql.NullString
	var firstSeen, lastSeen string

	err := scan(
		&s.ID, &s.Kind, &s.Phrase, &s.MatchCountLast, &s.MatchCountMax,
		&confLast, &confMax, &s.SampleSizeLast,
		&s.ExamplesJSON, &lastRunID, &firstSeen, &lastSeen,
	)
	if err != nil {
		return nil, err
	}

	s.LLMConfidenceLast = floatPtr(confLast)
	s.LLMConfidenceMax = floatPtr(confMax)
	s.LastRunID = stringPtr(lastRunID)
	s.FirstSeenAt = parseTime(firstSeen)
	s.LastSeenAt = parseTime(lastSeen)
	return &s, nil
}
