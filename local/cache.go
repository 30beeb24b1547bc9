package local

import (
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/meridiandb/sync/remote"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS documents (
	key TEXT PRIMARY KEY,
	version_seconds INTEGER NOT NULL,
	version_nanos INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	fields TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	name TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Cache persists the last known remote documents and the write stream token
// across restarts. It stores field values in their wire shape, so the codec
// round-trip guarantees cover it.
type Cache struct {
	db *sql.DB
}

func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{
		db: db,
	}, nil
}

func (self *Cache) Close() error {
	return self.db.Close()
}

// SaveDocument upserts one document. A nil document records a known delete.
func (self *Cache) SaveDocument(key remote.DocumentKey, document *remote.Document) error {
	if document == nil {
		_, err := self.db.Exec(
			`INSERT INTO documents (key, version_seconds, version_nanos, deleted, fields)
			 VALUES (?, 0, 0, 1, '{}')
			 ON CONFLICT (key) DO UPDATE SET version_seconds = 0, version_nanos = 0, deleted = 1, fields = '{}'`,
			string(key),
		)
		return err
	}

	wireFields := map[string]any{}
	for name, value := range document.Fields {
		wire, err := remote.EncodeValue(value)
		if err != nil {
			return err
		}
		wireFields[name] = wire
	}
	fields, err := json.Marshal(wireFields)
	if err != nil {
		return err
	}
	_, err = self.db.Exec(
		`INSERT INTO documents (key, version_seconds, version_nanos, deleted, fields)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT (key) DO UPDATE SET version_seconds = ?, version_nanos = ?, deleted = 0, fields = ?`,
		string(key),
		document.Version.Seconds,
		document.Version.Nanos,
		string(fields),
		document.Version.Seconds,
		document.Version.Nanos,
		string(fields),
	)
	return err
}

func (self *Cache) LoadDocuments() (map[remote.DocumentKey]*remote.Document, error) {
	rows, err := self.db.Query(`SELECT key, version_seconds, version_nanos, deleted, fields FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	documents := map[remote.DocumentKey]*remote.Document{}
	for rows.Next() {
		var key string
		var versionSeconds int64
		var versionNanos int32
		var deleted int
		var fieldsJson string
		if err := rows.Scan(&key, &versionSeconds, &versionNanos, &deleted, &fieldsJson); err != nil {
			return nil, err
		}
		if deleted != 0 {
			documents[remote.DocumentKey(key)] = nil
			continue
		}

		var wireFields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(fieldsJson), &wireFields); err != nil {
			return nil, err
		}
		fields := map[string]remote.Value{}
		for name, raw := range wireFields {
			value, err := remote.DecodeValue(raw)
			if err != nil {
				return nil, err
			}
			fields[name] = value
		}
		documents[remote.DocumentKey(key)] = &remote.Document{
			Key:     remote.DocumentKey(key),
			Version: remote.NewTimestamp(versionSeconds, versionNanos),
			Fields:  fields,
		}
	}
	return documents, rows.Err()
}

func (self *Cache) SaveStreamToken(token []byte) error {
	_, err := self.db.Exec(
		`INSERT INTO meta (name, value) VALUES ('stream_token', ?)
		 ON CONFLICT (name) DO UPDATE SET value = ?`,
		token,
		token,
	)
	return err
}

func (self *Cache) LoadStreamToken() ([]byte, error) {
	var token []byte
	err := self.db.QueryRow(`SELECT value FROM meta WHERE name = 'stream_token'`).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return token, err
}
