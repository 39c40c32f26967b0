// Package templatestore keeps parsed templates in a SQLite database so that
// later builds skip parsing. Contexts are stored CBOR encoded.
package templatestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/flashlink/hexfile"
)

var log = commonlog.GetLogger("flashlink.templatestore")

// cborEncMode uses canonical mode so equal contexts encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("templatestore: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalContext serializes a parsed template to CBOR bytes.
func MarshalContext(ctx *hexfile.Context) ([]byte, error) {
	return cborEncMode.Marshal(ctx)
}

// UnmarshalContext deserializes a parsed template from CBOR bytes.
func UnmarshalContext(data []byte) (*hexfile.Context, error) {
	var ctx hexfile.Context
	if err := cbor.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("templatestore: unmarshal context: %w", err)
	}
	return &ctx, nil
}

// Store is a SQLite-backed hexfile.Store.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

var _ hexfile.Store = (*Store)(nil)

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS templates (
		sha TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// OpenDefault opens the store at $FLASHLINK_CACHE_DB, or under the user
// cache directory.
func OpenDefault() (*Store, error) {
	dbPath := os.Getenv("FLASHLINK_CACHE_DB")
	if dbPath == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("getting cache dir: %w", err)
		}
		dbPath = filepath.Join(dir, "flashlink", "templates.db")
	}
	return Open(dbPath)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores ctx under its template SHA, replacing an older entry.
func (s *Store) Save(ctx *hexfile.Context) error {
	if ctx.SHA == "" {
		return errors.New("templatestore: context has no SHA")
	}
	data, err := MarshalContext(ctx)
	if err != nil {
		return fmt.Errorf("encoding template %s: %w", ctx.SHA, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec("INSERT OR REPLACE INTO templates (sha, data) VALUES (?, ?)", ctx.SHA, data)
	if err != nil {
		return fmt.Errorf("saving template: %w", err)
	}
	log.Debugf("stored template %s (%d bytes)", ctx.SHA, len(data))
	return nil
}

// Load returns the context stored for sha, or nil if there is none.
func (s *Store) Load(sha string) (*hexfile.Context, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM templates WHERE sha = ?", sha).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return UnmarshalContext(data)
}

// Delete removes the entry for sha.
func (s *Store) Delete(sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM templates WHERE sha = ?", sha); err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}
	return nil
}

// List returns the SHAs of all stored templates.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query("SELECT sha FROM templates ORDER BY sha")
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		res = append(res, sha)
	}
	return res, rows.Err()
}
