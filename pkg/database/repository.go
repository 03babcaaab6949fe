package database

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/errors"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

const mysqlDuplicateEntry = 1062

// Repository stores calls and coaching artifacts in MySQL.
type Repository struct {
	db     *MySQLDatabase
	logger *logrus.Logger
}

// NewRepository creates a new repository
func NewRepository(db *MySQLDatabase, logger *logrus.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateCall inserts the call row in the waiting state.
func (r *Repository) CreateCall(ctx context.Context, rec coaching.CallRecord) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO calls (id, team_id, closer_id, prospect_name, sample_rate, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.db.ExecContext(ctx, query,
		rec.ID, rec.TeamID, rec.CloserID, nullString(rec.ProspectName),
		rec.SampleRate, string(rec.Status), rec.StartedAt,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if stderrors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return errors.Wrap(errors.ErrInvalidInput, "call already exists").WithField("call_id", rec.ID)
		}
		r.logger.WithError(err).WithField("call_id", rec.ID).Error("Failed to create call")
		return fmt.Errorf("failed to create call: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"call_id": rec.ID,
		"team_id": rec.TeamID,
	}).Debug("Call created")
	return nil
}

// UpdateCallStatus sets the lifecycle status.
func (r *Repository) UpdateCallStatus(ctx context.Context, callID string, status coaching.CallStatus) error {
	return r.execOne(ctx, "update call status", callID,
		`UPDATE calls SET status = ? WHERE id = ?`, string(status), callID)
}

// AddTranscriptSegment appends one attributed final segment.
func (r *Repository) AddTranscriptSegment(ctx context.Context, seg coaching.TranscriptSegment) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO transcript_segments (call_id, role, speaker_id, text, audio_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, seg.CallID, string(seg.Role), seg.SpeakerID, seg.Text, seg.AudioTimestamp, seg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add transcript segment: %w", err)
	}
	return nil
}

// AddTranscript stores the running transcript text.
func (r *Repository) AddTranscript(ctx context.Context, callID, transcript string) error {
	return r.execOne(ctx, "store transcript", callID,
		`UPDATE calls SET transcript = ? WHERE id = ?`, transcript, callID)
}

// UpdateTalkTime stores the estimated talk seconds per role.
func (r *Repository) UpdateTalkTime(ctx context.Context, callID string, talk coaching.TalkTime) error {
	return r.execOne(ctx, "update talk time", callID,
		`UPDATE calls SET closer_talk_seconds = ?, prospect_talk_seconds = ? WHERE id = ?`,
		talk.CloserSeconds, talk.ProspectSeconds, callID)
}

// AddAmmoItem inserts a scored ammo item.
func (r *Repository) AddAmmoItem(ctx context.Context, item coaching.AmmoItem) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO ammo_items (
			id, call_id, text, category, custom_category_id, score, repetition_count,
			is_heavy_hitter, suggested_use, audio_timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.CallID, item.Text, string(item.Category), nullString(item.CustomCategoryID),
		item.Score, item.RepetitionCount, item.IsHeavyHitter, nullString(item.SuggestedUse),
		item.AudioTimestamp, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add ammo item: %w", err)
	}
	return nil
}

// AddNudge inserts a fired nudge.
func (r *Repository) AddNudge(ctx context.Context, nudge coaching.Nudge) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO nudges (id, call_id, type, message, detail, trigger_keyword, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nudge.ID, nudge.CallID, string(nudge.Type), nudge.Message, nullString(nudge.Detail),
		nullString(nudge.TriggerKeyword), string(nudge.Priority), nudge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add nudge: %w", err)
	}
	return nil
}

// UpdateCallDetection stores the post-call analysis as JSON.
func (r *Repository) UpdateCallDetection(ctx context.Context, callID string, result *coaching.DetectionResult) error {
	if result == nil {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode detection result: %w", err)
	}
	return r.execOne(ctx, "update detection", callID,
		`UPDATE calls SET detection = ? WHERE id = ?`, string(payload), callID)
}

// CompleteCall writes the final fields and marks the call completed.
func (r *Repository) CompleteCall(ctx context.Context, completion coaching.CallCompletion) error {
	return r.execOne(ctx, "complete call", completion.CallID, `
		UPDATE calls SET
			status = ?, recording_url = ?, transcript = ?, duration_seconds = ?, ended_at = ?
		WHERE id = ?
	`,
		string(coaching.StatusCompleted), nullString(completion.RecordingURL), completion.Transcript,
		completion.DurationSeconds, completion.EndedAt, completion.CallID,
	)
}

// GetAmmoConfig returns the team's stored configuration, or nil when the
// team has none.
func (r *Repository) GetAmmoConfig(ctx context.Context, teamID string) (*coaching.AmmoConfig, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var raw sql.NullString
	err := r.db.db.QueryRowContext(ctx,
		`SELECT ammo_config FROM team_coaching WHERE team_id = ?`, teamID,
	).Scan(&raw)
	if err == sql.ErrNoRows || (err == nil && !raw.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load team coaching config: %w", err)
	}

	var cfg coaching.AmmoConfig
	if err := json.Unmarshal([]byte(raw.String), &cfg); err != nil {
		return nil, errors.Wrap(err, "invalid team coaching config").WithField("team_id", teamID)
	}
	cfg.TeamID = teamID
	return &cfg, nil
}

// GetTeamCustomPrompt returns the team's extra model instructions.
func (r *Repository) GetTeamCustomPrompt(ctx context.Context, teamID string) (string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var prompt sql.NullString
	err := r.db.db.QueryRowContext(ctx,
		`SELECT custom_prompt FROM team_coaching WHERE team_id = ?`, teamID,
	).Scan(&prompt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load team custom prompt: %w", err)
	}
	return prompt.String, nil
}

// SaveTeamCoaching upserts a team's configuration and custom prompt.
func (r *Repository) SaveTeamCoaching(ctx context.Context, teamID string, cfg *coaching.AmmoConfig, customPrompt string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var payload interface{}
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode team coaching config: %w", err)
		}
		payload = string(data)
	}

	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO team_coaching (team_id, ammo_config, custom_prompt) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE ammo_config = VALUES(ammo_config), custom_prompt = VALUES(custom_prompt)
	`, teamID, payload, nullString(customPrompt))
	if err != nil {
		return fmt.Errorf("failed to save team coaching config: %w", err)
	}
	return nil
}

// execOne runs an update that must touch exactly the call row.
func (r *Repository) execOne(ctx context.Context, op, callID, query string, args ...interface{}) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithError(err).WithField("call_id", callID).Errorf("Failed to %s", op)
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrap(errors.ErrNotFound, "call not found").WithField("call_id", callID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
