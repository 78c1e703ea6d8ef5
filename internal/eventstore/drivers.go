package eventstore

import (
	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"
)
