package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestSQLiteConflictClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		busy     bool
		locked   bool
		conflict bool
	}{
		{name: "nil", err: nil},
		{name: "plain", err: errors.New("no such table: threads")},
		{name: "busy text", err: fmt.Errorf("save checkpoint: %w", errors.New("SQLITE_BUSY: database busy")), busy: true, conflict: true},
		{name: "locked text", err: errors.New("database is locked (5)"), locked: true, conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsSQLiteBusyError(tt.err); got != tt.busy {
				t.Errorf("IsSQLiteBusyError = %v, want %v", got, tt.busy)
			}
			if got := IsSQLiteLockedError(tt.err); got != tt.locked {
				t.Errorf("IsSQLiteLockedError = %v, want %v", got, tt.locked)
			}
			if got := IsSQLiteConflictError(tt.err); got != tt.conflict {
				t.Errorf("IsSQLiteConflictError = %v, want %v", got, tt.conflict)
			}
		})
	}
}
