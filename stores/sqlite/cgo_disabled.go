//go:build !cgo

package sqlite

import (
	_ "modernc.org/sqlite"
)

// CGOEnabled reports whether the store runs on the cgo go-sqlite3 driver.
// Without cgo the pure Go modernc driver is used instead.
const CGOEnabled = false

const driverName = "sqlite"
