package ladder

import (
	"errors"
	"fmt"
)

// Validation errors for raw team records.
var (
	// ErrMemberCount indicates the roster size does not match the queue format.
	ErrMemberCount = errors.New("member count does not match queue format")

	// ErrEmptyRecord indicates a team with wins=losses=ties=0. Upstream emits
	// these for players who revoked their data; treat as corrupted.
	ErrEmptyRecord = errors.New("team has no recorded games")
)

// Validate applies the uniform team acceptance policy. The raw roster must
// match the queue format; members without an account reference (battlenet
// id 0) are then dropped from the roster without failing the team.
func Validate(t *Team) error {
	if expected := t.League.Queue.TeamSize(); len(t.Members) != expected {
		return fmt.Errorf("%w: got %d, want %d", ErrMemberCount, len(t.Members), expected)
	}
	if t.Wins == 0 && t.Losses == 0 && t.Ties == 0 {
		return ErrEmptyRecord
	}

	kept := t.Members[:0]
	for _, m := range t.Members {
		if m.Character.BattlenetID == 0 {
			continue
		}
		kept = append(kept, m)
	}
	t.Members = kept
	return nil
}
