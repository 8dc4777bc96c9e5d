// Package db implements the opening of database connections by driver name.
package db

import (
	"fmt"

	"github.com/opencustody/walletd/lib/store"
	"github.com/opencustody/walletd/lib/store/memory"
	"github.com/opencustody/walletd/lib/store/mongo"
	"github.com/opencustody/walletd/lib/store/postgres"
)

// New returns a new database connection according to the driver name.
func New(driver, connection string) (store.DB, error) {
	switch driver {
	case store.MONGO:
		return mongo.New(connection)
	case store.POSTGRES:
		return postgres.New(connection)
	case store.MEMORY:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown store driver %q", driver)
}
