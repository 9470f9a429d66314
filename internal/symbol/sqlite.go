package symbol

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists registry bindings so symbol ids stay stable across
// collector restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the symbol database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS symbols (
		id    INTEGER PRIMARY KEY,
		name  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS methods (
		id           INTEGER PRIMARY KEY,
		class_id     INTEGER NOT NULL,
		method_id    INTEGER NOT NULL,
		signature_id INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutSymbol(id uint32, name string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO symbols (id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		return fmt.Errorf("failed to insert symbol: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutMethod(id uint32, m Method) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO methods (id, class_id, method_id, signature_id) VALUES (?, ?, ?, ?)`,
		id, m.ClassID, m.MethodID, m.SignatureID)
	if err != nil {
		return fmt.Errorf("failed to insert method: %w", err)
	}
	return nil
}

// Load restores every persisted binding into reg.
func (s *SQLiteStore) Load(reg *Registry) (symbols, methods int, err error) {
	rows, err := s.db.Query(`SELECT id, name FROM symbols ORDER BY id`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query symbols: %w", err)
	}
	for rows.Next() {
		var id uint32
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return symbols, methods, fmt.Errorf("failed to scan symbol: %w", err)
		}
		reg.Put(id, name)
		symbols++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return symbols, methods, err
	}

	rows, err = s.db.Query(`SELECT id, class_id, method_id, signature_id FROM methods ORDER BY id`)
	if err != nil {
		return symbols, 0, fmt.Errorf("failed to query methods: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uint32
		var m Method
		if err := rows.Scan(&id, &m.ClassID, &m.MethodID, &m.SignatureID); err != nil {
			return symbols, methods, fmt.Errorf("failed to scan method: %w", err)
		}
		reg.PutMethod(id, m)
		methods++
	}
	return symbols, methods, rows.Err()
}
