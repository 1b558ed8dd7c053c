package rpc

import (
	"encoding/json"
	"maps"
	"sync"
)

// LocalDBSnapshot is the serialized form of a LocalDB: table name to
// property to value.
type LocalDBSnapshot map[string]map[string]json.RawMessage

// LocalDB holds entity tables the UI side keeps so a freshly started worker
// can be seeded with them on init.
type LocalDB struct {
	mu     sync.Mutex
	tables LocalDBSnapshot
}

func NewLocalDB() *LocalDB {
	return &LocalDB{tables: make(LocalDBSnapshot)}
}

// Update sets one property of one table.
func (db *LocalDB) Update(name, prop string, value json.RawMessage) {
	db.mu.Lock()
	defer db.mu.Unlock()
	table, ok := db.tables[name]
	if !ok {
		table = make(map[string]json.RawMessage)
		db.tables[name] = table
	}
	table[prop] = value
}

// Replace swaps in every table present in full, leaving the others alone.
func (db *LocalDB) Replace(full LocalDBSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for name, table := range full {
		db.tables[name] = maps.Clone(table)
	}
}

// Snapshot returns a copy safe to hand to another goroutine.
func (db *LocalDB) Snapshot() LocalDBSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(LocalDBSnapshot, len(db.tables))
	for name, table := range db.tables {
		out[name] = maps.Clone(table)
	}
	return out
}
