package database

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// OpenBadger は埋め込みのBadgerDBを開く。
// pathのディレクトリが存在しない場合は作成される。
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return db, nil
}
