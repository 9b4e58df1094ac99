package oauth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"golang.org/x/oauth2"
)

// SQLiteStorage persists one Record per server URL in a local sqlite file,
// the same storage shape the source tree uses for its own token store
// (internal/auth/store.go): a data directory created on demand, a single
// migrate() that's safe to run on every open, one row per key.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if necessary) an oauth.db file under
// dataDir.
func NewSQLiteStorage(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating oauth data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "oauth.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening oauth store: %w", err)
	}
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating oauth store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS oauth_state (
		server_url TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_secret TEXT,
		issuer TEXT,
		token_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

// Load returns the stored Record for serverURL, or (nil, nil) if none
// exists.
func (s *SQLiteStorage) Load(serverURL string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT client_id, client_secret, issuer, token_json FROM oauth_state WHERE server_url = ?`,
		serverURL,
	)
	var clientID, clientSecret, issuer, tokenJSON string
	if err := row.Scan(&clientID, &clientSecret, &issuer, &tokenJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading oauth record: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(tokenJSON), &tok); err != nil {
		return nil, fmt.Errorf("decoding stored token: %w", err)
	}
	return &Record{
		ServerURL:    serverURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Issuer:       issuer,
		Token:        &tok,
	}, nil
}

// Save upserts rec under serverURL.
func (s *SQLiteStorage) Save(serverURL string, rec *Record) error {
	tokenJSON, err := json.Marshal(rec.Token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO oauth_state (server_url, client_id, client_secret, issuer, token_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(server_url) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			issuer = excluded.issuer,
			token_json = excluded.token_json,
			updated_at = excluded.updated_at`,
		serverURL, rec.ClientID, rec.ClientSecret, rec.Issuer, string(tokenJSON), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("saving oauth record: %w", err)
	}
	return nil
}

// Delete removes the stored record for serverURL, if any.
func (s *SQLiteStorage) Delete(serverURL string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_state WHERE server_url = ?`, serverURL)
	return err
}
