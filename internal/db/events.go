package db

import (
	"database/sql"
	"fmt"
	"sort"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

// LatestMessageRoot returns the id of the most recent message.received event.
// When userID is non-empty only that user's messages are considered.
func LatestMessageRoot(database *sql.DB, userID string) (int64, error) {
	var (
		id  int64
		err error
	)
	if userID == "" {
		err = database.QueryRow(
			`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
			EventMessageReceived,
		).Scan(&id)
	} else {
		err = database.QueryRow(
			`SELECT id FROM events WHERE event_type = ?
			 AND json_extract(payload, '$.user_id') = ?
			 ORDER BY id DESC LIMIT 1`,
			EventMessageReceived, userID,
		).Scan(&id)
	}
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no %s event found", EventMessageReceived)
	}
	return id, err
}

// QuerySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func QuerySubtree(database *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := database.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// BuildTree organizes a flat list of events into a tree rooted at rootID.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}

	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}

	return byID[rootID]
}
