package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Conversion settlement writes the reserve state, the guard counters and the
// conversion record in one burst while health probes read concurrently, so the
// ledger database runs in WAL mode with a busy timeout long enough to ride out
// a checkpoint.
const ledgerPragmas = "mode=rwc&_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

// LedgerDSN converts a filesystem path into the SQLite DSN backing the reserve
// ledger. An empty path is an error rather than a fallback: a fund daemon must
// never start against an implicit throwaway database.
func LedgerDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve ledger path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, ledgerPragmas), nil
}
