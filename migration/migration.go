// Package migration defines schema migrations applied by internal/db.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(tx *sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
