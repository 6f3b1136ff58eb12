package firewall

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"guardian/storage"
)

var blockPrefix = []byte("block/")

// BlockEntry is one active deny rule and its scheduled removal time.
type BlockEntry struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	UnblockAt time.Time `json:"unblock_at"`
}

// Journal persists active blocks so rules can be reconciled after a restart.
type Journal struct {
	db storage.Database
}

// OpenJournal opens or creates the LevelDB journal under dir.
func OpenJournal(dir string) (*Journal, error) {
	db, err := storage.NewLevelDB(filepath.Join(dir, "blocks"))
	if err != nil {
		return nil, fmt.Errorf("firewall: open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// NewJournal wraps an existing database.
func NewJournal(db storage.Database) *Journal {
	return &Journal{db: db}
}

// Put records or replaces an entry.
func (j *Journal) Put(entry BlockEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Put(blockKey(entry.IP), data)
}

// Delete forgets the entry for ip.
func (j *Journal) Delete(ip string) error {
	return j.db.Delete(blockKey(ip))
}

// Entries returns every recorded entry ordered by address.
func (j *Journal) Entries() ([]BlockEntry, error) {
	var out []BlockEntry
	err := j.db.ForEach(blockPrefix, func(key, value []byte) error {
		var entry BlockEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("firewall: decode journal entry %s: %w", key, err)
		}
		out = append(out, entry)
		return nil
	})
	return out, err
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func blockKey(ip string) []byte {
	return append(append([]byte(nil), blockPrefix...), ip...)
}
