package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"shiftdesk/internal/models"
)

// Availability reads candidate slots and performs the assignment flip. The
// flip runs inside the matcher's transaction; a slot can back at most one
// email log at a time.
type Availability struct {
	db *sqlx.DB
}

// ListUnassigned returns unassigned slots for the requested date.
func (a *Availability) ListUnassigned(ctx context.Context, date string) ([]models.NurseAvailability, error) {
	var slots []models.NurseAvailability
	err := a.db.SelectContext(ctx, &slots, a.db.Rebind(`
		SELECT id, nurse_id, available_date, shift_start, shift_end, unit, is_assigned
		FROM nurse_availability
		WHERE available_date = ? AND is_assigned = FALSE
		ORDER BY id ASC`), date)
	if err != nil {
		return nil, fmt.Errorf("failed to list availability: %w", err)
	}
	return slots, nil
}

// ListNurses returns all nurses with their units.
func (a *Availability) ListNurses(ctx context.Context) ([]models.Nurse, error) {
	var nurses []models.Nurse
	err := a.db.SelectContext(ctx, &nurses, `
		SELECT id, name, grade FROM nurses ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nurses: %w", err)
	}

	type nurseUnit struct {
		NurseID int64  `db:"nurse_id"`
		Unit    string `db:"unit"`
	}
	var units []nurseUnit
	err = a.db.SelectContext(ctx, &units, `
		SELECT nurse_id, unit FROM nurse_units ORDER BY nurse_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nurse units: %w", err)
	}

	byID := make(map[int64]int, len(nurses))
	for i := range nurses {
		byID[nurses[i].ID] = i
	}
	for _, u := range units {
		if i, ok := byID[u.NurseID]; ok {
			nurses[i].Units = append(nurses[i].Units, u.Unit)
		}
	}
	return nurses, nil
}

// GetNurse returns one nurse by id, or nil when absent.
func (a *Availability) GetNurse(ctx context.Context, id int64) (*models.Nurse, error) {
	var nurse models.Nurse
	err := a.db.GetContext(ctx, &nurse, a.db.Rebind(`
		SELECT id, name, grade FROM nurses WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nurse %d: %w", id, err)
	}
	return &nurse, nil
}

// CountAssignedInWeek returns how many assigned slots the nurse holds in the
// seven days starting at weekStart (inclusive, "2006-01-02"). Used by the
// max-shifts-per-week booking rule.
func (a *Availability) CountAssignedInWeek(ctx context.Context, nurseID int64, weekStart, weekEnd string) (int, error) {
	var count int
	err := a.db.GetContext(ctx, &count, a.db.Rebind(`
		SELECT COUNT(*) FROM nurse_availability
		WHERE nurse_id = ? AND is_assigned = TRUE
		  AND available_date >= ? AND available_date < ?`),
		nurseID, weekStart, weekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to count assigned shifts: %w", err)
	}
	return count, nil
}

// CountAssigned returns the nurse's total assigned slots, used by the
// prefer-fewer-shifts ordering rule.
func (a *Availability) CountAssigned(ctx context.Context, nurseID int64) (int, error) {
	var count int
	err := a.db.GetContext(ctx, &count, a.db.Rebind(`
		SELECT COUNT(*) FROM nurse_availability
		WHERE nurse_id = ? AND is_assigned = TRUE`), nurseID)
	if err != nil {
		return 0, fmt.Errorf("failed to count assigned shifts: %w", err)
	}
	return count, nil
}

// AssignTx flips the slot to assigned inside the caller's transaction. The
// is_assigned guard in the WHERE clause makes two concurrent matches for the
// same slot impossible: the second update affects zero rows and fails.
func (a *Availability) AssignTx(ctx context.Context, tx *sqlx.Tx, availabilityID int64) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE nurse_availability
		SET is_assigned = TRUE
		WHERE id = ? AND is_assigned = FALSE`), availabilityID)
	if err != nil {
		return fmt.Errorf("failed to assign availability %d: %w", availabilityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check assignment of availability %d: %w", availabilityID, err)
	}
	if n == 0 {
		return fmt.Errorf("availability %d already assigned", availabilityID)
	}
	return nil
}

// Release flips the slot back so the nurse remains bookable after a failed
// send.
func (a *Availability) Release(ctx context.Context, availabilityID int64) error {
	_, err := a.db.ExecContext(ctx, a.db.Rebind(`
		UPDATE nurse_availability SET is_assigned = FALSE WHERE id = ?`), availabilityID)
	if err != nil {
		return fmt.Errorf("failed to release availability %d: %w", availabilityID, err)
	}
	return nil
}
