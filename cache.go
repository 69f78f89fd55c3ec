package main

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitCacheDB opens the conversation cache, creating the schema when needed.
// Each ticket owns exactly one row; rows are independently readable and
// writable.
func InitCacheDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		ticket_id  INTEGER PRIMARY KEY,
		turns      TEXT NOT NULL,
		ignore     INTEGER NOT NULL DEFAULT 0,
		fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	// Migration: entries written before the ignore flag existed gain it with
	// a false default.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('conversations') WHERE name = 'ignore'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE conversations ADD COLUMN ignore INTEGER NOT NULL DEFAULT 0`)
	}

	return db, nil
}

// SaveConversation upserts one conversation, overwriting any prior entry for
// the same ticket.
func SaveConversation(db *sql.DB, conv Conversation) error {
	turns, err := json.Marshal(conv.Turns)
	if err != nil {
		return fmt.Errorf("encoding turns for ticket %d: %w", conv.TicketID, err)
	}
	_, err = db.Exec(
		`INSERT INTO conversations (ticket_id, turns, ignore, fetched_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(ticket_id) DO UPDATE SET turns = excluded.turns, ignore = excluded.ignore, fetched_at = excluded.fetched_at`,
		conv.TicketID, string(turns), boolToInt(conv.Ignore),
	)
	return err
}

// LoadConversation returns the cached conversation for a ticket, with ok
// false when no entry exists.
func LoadConversation(db *sql.DB, ticketID int64) (Conversation, bool, error) {
	var turnsJSON string
	var ignore int
	err := db.QueryRow(
		`SELECT turns, ignore FROM conversations WHERE ticket_id = ?`, ticketID,
	).Scan(&turnsJSON, &ignore)
	if err == sql.ErrNoRows {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}

	var turns []Turn
	if err := json.Unmarshal([]byte(turnsJSON), &turns); err != nil {
		return Conversation{}, false, fmt.Errorf("decoding cached ticket %d: %w", ticketID, err)
	}
	return Conversation{TicketID: ticketID, Turns: turns, Ignore: ignore != 0}, true, nil
}

// GetConversation returns the cached conversation unless refresh is set, in
// which case fetch is invoked and its result overwrites the cache entry.
func GetConversation(db *sql.DB, ticketID int64, refresh bool, fetch func(int64) (Conversation, error)) (Conversation, error) {
	if !refresh {
		conv, ok, err := LoadConversation(db, ticketID)
		if err != nil {
			return Conversation{}, err
		}
		if ok {
			return conv, nil
		}
	}

	conv, err := fetch(ticketID)
	if err != nil {
		return Conversation{}, err
	}
	if err := SaveConversation(db, conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// IsIgnored reports whether the cached conversation for a ticket is marked
// ignored. Unknown tickets are not ignored.
func IsIgnored(db *sql.DB, ticketID int64) (bool, error) {
	var ignore int
	err := db.QueryRow(`SELECT ignore FROM conversations WHERE ticket_id = ?`, ticketID).Scan(&ignore)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ignore != 0, nil
}

// BackfillConversations re-applies the auto-ignore rule to every cached
// conversation that is not already ignored. Entries written before the
// ignore flag existed were already defaulted to false by the schema
// migration. Safe to run repeatedly; never un-ignores an entry.
func BackfillConversations(db *sql.DB, phrases []string) (checked, updated int, err error) {
	rows, err := db.Query(`SELECT ticket_id, turns, ignore FROM conversations`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var toIgnore []int64
	for rows.Next() {
		var ticketID int64
		var turnsJSON string
		var ignore int
		if err := rows.Scan(&ticketID, &turnsJSON, &ignore); err != nil {
			return checked, updated, err
		}
		checked++
		if ignore != 0 {
			continue
		}
		var turns []Turn
		if err := json.Unmarshal([]byte(turnsJSON), &turns); err != nil {
			// Undecodable cache entries are left alone rather than dropped.
			continue
		}
		if shouldAutoIgnore(turns, phrases) {
			toIgnore = append(toIgnore, ticketID)
		}
	}
	if err := rows.Err(); err != nil {
		return checked, updated, err
	}

	tx, err := db.Begin()
	if err != nil {
		return checked, updated, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE conversations SET ignore = 1 WHERE ticket_id = ?`)
	if err != nil {
		return checked, updated, err
	}
	defer stmt.Close()

	for _, ticketID := range toIgnore {
		if _, err := stmt.Exec(ticketID); err != nil {
			return checked, updated, err
		}
		updated++
	}
	return checked, updated, tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
