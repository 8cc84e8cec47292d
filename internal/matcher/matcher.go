// Package matcher selects a nurse for an extracted shift request by running
// the active rule chain over availability, and finalizes the selection with
// the one correctness-critical transaction in the pipeline: the availability
// flip and the log write happen together or not at all.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"

	"shiftdesk/internal/database"
	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
	"shiftdesk/internal/store"
)

// Result identifies the chosen nurse and the slot that will be assigned.
type Result struct {
	NurseID        int64
	NurseName      string
	NurseGrade     string
	AvailabilityID int64
}

// Matcher evaluates the rule chain and commits matches.
type Matcher struct {
	store  *store.Store
	logger zerolog.Logger
	folder cases.Caser
}

// New creates a matcher over the given store.
func New(s *store.Store, logger zerolog.Logger) *Matcher {
	return &Matcher{store: s, logger: logger, folder: cases.Fold()}
}

// Evaluate loads rules, nurses, and availability fresh and runs the chain.
// Returns pipeline.ErrNoMatch with the first failing rule's reason when no
// candidate survives.
func (m *Matcher) Evaluate(ctx context.Context, req models.ShiftRequest) (*Result, error) {
	matching, err := m.store.Rules.ListActiveMatchingRules(ctx)
	if err != nil {
		return nil, err
	}
	booking, err := m.store.Rules.ListActiveBookingRules(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := DecodeChain(matching, booking)
	if err != nil {
		return nil, err
	}

	nurses, err := m.store.Availability.ListNurses(ctx)
	if err != nil {
		return nil, err
	}
	slots, err := m.store.Availability.ListUnassigned(ctx, req.ShiftDate)
	if err != nil {
		return nil, err
	}

	cands, err := m.buildCandidates(ctx, req, chain, nurses, slots)
	if err != nil {
		return nil, err
	}

	return Select(req, chain, cands)
}

// buildCandidates joins slots with nurses and applies the base filter: unit
// match (direct or alias), the nurse's qualification for the slot's unit,
// window coverage, grade at or above the requested grade. Load counts are
// attached for the reorder and cap rules.
func (m *Matcher) buildCandidates(ctx context.Context, req models.ShiftRequest, chain *Chain, nurses []models.Nurse, slots []models.NurseAvailability) ([]Candidate, error) {
	nurseByID := make(map[int64]models.Nurse, len(nurses))
	for _, n := range nurses {
		nurseByID[n.ID] = n
	}

	weekStart, weekEnd, err := weekBounds(req.ShiftDate)
	if err != nil {
		return nil, pipeline.Fail(pipeline.ErrClassificationAmbiguous,
			"shift_date %q is not a valid date", req.ShiftDate)
	}

	var cands []Candidate
	for _, slot := range slots {
		nurse, ok := nurseByID[slot.NurseID]
		if !ok {
			continue
		}
		direct, aliased := m.unitMatches(req.Unit, slot.Unit, chain.Aliases)
		if !direct && !aliased {
			continue
		}
		if !m.qualifiedFor(nurse.Units, slot.Unit) {
			continue
		}
		if !windowCovers(slot.ShiftStart, slot.ShiftEnd, req.ShiftStart, req.ShiftEnd) {
			continue
		}
		if gradeRank(nurse.Grade, defaultGradeOrder) < gradeRank(req.Grade, defaultGradeOrder) {
			continue
		}

		total, err := m.store.Availability.CountAssigned(ctx, nurse.ID)
		if err != nil {
			return nil, err
		}
		week, err := m.store.Availability.CountAssignedInWeek(ctx, nurse.ID, weekStart, weekEnd)
		if err != nil {
			return nil, err
		}

		cands = append(cands, Candidate{
			Slot:          slot,
			Nurse:         nurse,
			AliasMatched:  !direct && aliased,
			AssignedTotal: total,
			AssignedWeek:  week,
		})
	}
	return cands, nil
}

// Select runs the decoded chain over prepared candidates. Pure; the tests
// drive it directly. The initial ordering and the final pick are total, so
// identical inputs always yield the identical nurse.
func Select(req models.ShiftRequest, chain *Chain, cands []Candidate) (*Result, error) {
	if len(cands) == 0 {
		return nil, pipeline.Fail(pipeline.ErrNoMatch,
			"no available nurse for unit %s in window %s-%s on %s",
			req.Unit, req.ShiftStart, req.ShiftEnd, req.ShiftDate)
	}

	// Total base order: exact-unit matches first, then nurse id, then slot id.
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].AliasMatched != cands[j].AliasMatched {
			return !cands[i].AliasMatched
		}
		if cands[i].Nurse.ID != cands[j].Nurse.ID {
			return cands[i].Nurse.ID < cands[j].Nurse.ID
		}
		return cands[i].Slot.ID < cands[j].Slot.ID
	})

	for _, rule := range chain.Rules {
		var reason string
		cands, reason = rule.Apply(req, cands)
		if len(cands) == 0 {
			return nil, pipeline.Fail(pipeline.ErrNoMatch, "rule %q: %s", rule.Name(), reason)
		}
	}

	chosen := cands[0]
	return &Result{
		NurseID:        chosen.Nurse.ID,
		NurseName:      chosen.Nurse.Name,
		NurseGrade:     chosen.Nurse.Grade,
		AvailabilityID: chosen.Slot.ID,
	}, nil
}

// Commit assigns the slot and records the match on the log row in a single
// transaction. Two concurrent commits against the same slot cannot both
// succeed: the flip checks is_assigned inside the transaction.
func (m *Matcher) Commit(ctx context.Context, logID int64, result *Result) error {
	err := database.WithTransaction(ctx, m.store.DB(), func(tx *sqlx.Tx) error {
		if err := m.store.Availability.AssignTx(ctx, tx, result.AvailabilityID); err != nil {
			return err
		}
		return m.store.Emails.SetMatchTx(ctx, tx, logID, result.NurseID)
	})
	if err != nil {
		return fmt.Errorf("failed to commit match for email log %d: %w", logID, err)
	}

	m.logger.Info().
		Int64("email_log_id", logID).
		Int64("nurse_id", result.NurseID).
		Int64("availability_id", result.AvailabilityID).
		Msg("Nurse assigned to shift")
	return nil
}

// Existing rebuilds a Result for a nurse already recorded on the log row, so
// a resend re-sends the reply without booking a second slot. AvailabilityID
// is zero; there is no new booking to commit or roll back.
func (m *Matcher) Existing(ctx context.Context, nurseID int64) (*Result, error) {
	nurse, err := m.store.Availability.GetNurse(ctx, nurseID)
	if err != nil {
		return nil, err
	}
	if nurse == nil {
		return nil, pipeline.Fail(pipeline.ErrConfigurationMissing,
			"matched nurse %d no longer exists", nurseID)
	}
	return &Result{NurseID: nurse.ID, NurseName: nurse.Name, NurseGrade: nurse.Grade}, nil
}

// Rollback releases the slot and clears the match after a failed send so the
// nurse remains bookable.
func (m *Matcher) Rollback(ctx context.Context, logID int64, result *Result) error {
	if err := m.store.Availability.Release(ctx, result.AvailabilityID); err != nil {
		return err
	}
	return m.store.Emails.ClearMatch(ctx, logID)
}

// qualifiedFor reports whether the nurse's unit list includes the slot's
// unit. A slot in a unit the nurse is not qualified for is stale data, not
// a bookable candidate; a nurse with no recorded units is bookable nowhere.
func (m *Matcher) qualifiedFor(units []string, slotUnit string) bool {
	slotFold := m.folder.String(strings.TrimSpace(slotUnit))
	for _, u := range units {
		if m.folder.String(strings.TrimSpace(u)) == slotFold {
			return true
		}
	}
	return false
}

// unitMatches reports whether the slot unit equals the requested unit
// directly, or through the configured alias table.
func (m *Matcher) unitMatches(requested, slotUnit string, aliases map[string]string) (direct, aliased bool) {
	reqFold := m.folder.String(strings.TrimSpace(requested))
	slotFold := m.folder.String(strings.TrimSpace(slotUnit))
	if reqFold == slotFold {
		return true, false
	}
	for from, to := range aliases {
		if m.folder.String(from) == reqFold && m.folder.String(to) == slotFold {
			return false, true
		}
		if m.folder.String(from) == slotFold && m.folder.String(to) == reqFold {
			return false, true
		}
	}
	return false, false
}

// windowCovers reports whether the slot window contains the requested
// window. Windows ending at or before their start wrap past midnight.
func windowCovers(slotStart, slotEnd, reqStart, reqEnd string) bool {
	ss, ok1 := minutes(slotStart)
	se, ok2 := minutes(slotEnd)
	rs, ok3 := minutes(reqStart)
	re, ok4 := minutes(reqEnd)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	if se <= ss {
		se += 24 * 60
	}
	if re <= rs {
		re += 24 * 60
	}
	return ss <= rs && se >= re
}

func minutes(hhmm string) (int, bool) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// weekBounds returns the Monday of the shift's week and the following Monday
// as "2006-01-02" strings.
func weekBounds(date string) (string, string, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", "", err
	}
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	start := d.AddDate(0, 0, -offset)
	end := start.AddDate(0, 0, 7)
	return start.Format("2006-01-02"), end.Format("2006-01-02"), nil
}
