// Package audit keeps a trail of operator actions taken through the admin
// API, such as duplicate cleanup runs and forced re-syncs.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"crmsync/internal/platform/database"
)

type Action struct {
	ID        string                 `json:"id"`
	Operator  string                 `json:"operator"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	CreatedAt int64                  `json:"created_at"`
}

type Logger struct {
	db  *database.DB
	now func() time.Time
}

func NewLogger(db *database.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

// Log records an action. Failures are logged and swallowed; the action itself
// has already happened by the time it is recorded.
func (l *Logger) Log(ctx context.Context, r *http.Request, operator, action, target string, details map[string]interface{}) {
	entry := Action{
		ID:        "act_" + uuid.New().String(),
		Operator:  operator,
		Action:    action,
		Target:    target,
		Details:   details,
		CreatedAt: l.now().Unix(),
	}
	if r != nil {
		entry.IPAddress = remoteIP(r)
	}

	detailsJSON := []byte("{}")
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = b
		}
	}

	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO admin_actions (id, operator, action, target, details, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Operator, entry.Action, entry.Target, string(detailsJSON), entry.IPAddress, entry.CreatedAt)
	if err != nil {
		log.Error().Err(err).Str("action", action).Str("operator", operator).Msg("failed to record admin action")
	}
}

// Recent returns up to limit actions, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Action, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`
		SELECT id, operator, action, target, details, ip_address, created_at
		FROM admin_actions ORDER BY created_at DESC, id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []Action{}
	for rows.Next() {
		var a Action
		var details sql.NullString
		if err := rows.Scan(&a.ID, &a.Operator, &a.Action, &a.Target, &details, &a.IPAddress, &a.CreatedAt); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" && details.String != "{}" {
			if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
				log.Warn().Err(err).Str("id", a.ID).Msg("unreadable admin action details")
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
