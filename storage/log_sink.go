package storage

import (
	"context"

	"github.com/moonfleet/moonfleet/pkg/sqllogger"
)

// InsertLogEntry backs the sqllogger handler so slog records land in app_log.
func (s *Storage) InsertLogEntry(ctx context.Context, p sqllogger.InsertLogEntryParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO app_log (timestamp_millis, level_text, scope, message, attrs_json, source_file, source_line, source_function)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TimestampMillis, p.LevelText, nullString(p.Scope), p.Message,
		string(p.AttrsJSON), nullString(p.SourceFile), p.SourceLine, nullString(p.SourceFunction))
	return err
}
