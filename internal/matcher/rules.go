package matcher

import (
	"encoding/json"
	"sort"

	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
)

// Rule type names as stored in the rule tables.
const (
	RuleGradeAtLeast     = "grade_at_least"
	RuleRequireExactUnit = "require_exact_unit"
	RuleUnitAliasMap     = "unit_alias_map"
	RulePreferFewerShift = "prefer_fewer_shifts"
	RuleMaxShiftsPerWeek = "max_shifts_per_week"
)

// Default grade ladder, lowest first. A rule config may override it.
var defaultGradeOrder = []string{"HCA", "EN", "RN", "SRN"}

// Rule is one decoded chain link. Apply narrows or reorders the candidate
// set; an empty result ends the match with this rule's reason.
type Rule interface {
	Name() string
	Apply(req models.ShiftRequest, cands []Candidate) ([]Candidate, string)
}

// Candidate is an availability slot joined with its nurse and load counts.
type Candidate struct {
	Slot          models.NurseAvailability
	Nurse         models.Nurse
	AliasMatched  bool // unit matched via an alias, not directly
	AssignedTotal int  // total assigned slots for the nurse
	AssignedWeek  int  // assigned slots in the requested shift's week
}

// gradeAtLeastRule keeps nurses whose grade ranks at or above the floor.
type gradeAtLeastRule struct {
	name  string
	Grade string   `json:"grade"`
	Order []string `json:"order"`
}

func (r *gradeAtLeastRule) Name() string { return r.name }

func (r *gradeAtLeastRule) Apply(req models.ShiftRequest, cands []Candidate) ([]Candidate, string) {
	order := r.Order
	if len(order) == 0 {
		order = defaultGradeOrder
	}
	floor := gradeRank(r.Grade, order)
	var kept []Candidate
	for _, c := range cands {
		if gradeRank(c.Nurse.Grade, order) >= floor {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, "no candidate at or above grade " + r.Grade
	}
	return kept, ""
}

// requireExactUnitRule drops candidates whose unit only matched via an alias.
type requireExactUnitRule struct {
	name string
}

func (r *requireExactUnitRule) Name() string { return r.name }

func (r *requireExactUnitRule) Apply(req models.ShiftRequest, cands []Candidate) ([]Candidate, string) {
	var kept []Candidate
	for _, c := range cands {
		if !c.AliasMatched {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, "no candidate with exact unit " + req.Unit
	}
	return kept, ""
}

// unitAliasRule carries the alias table used when building the base candidate
// set. At its chain position it only reorders: exact-unit matches ahead of
// alias matches.
type unitAliasRule struct {
	name    string
	Aliases map[string]string `json:"aliases"`
}

func (r *unitAliasRule) Name() string { return r.name }

func (r *unitAliasRule) Apply(req models.ShiftRequest, cands []Candidate) ([]Candidate, string) {
	sort.SliceStable(cands, func(i, j int) bool {
		return !cands[i].AliasMatched && cands[j].AliasMatched
	})
	return cands, ""
}

// preferFewerShiftsRule reorders so the least-loaded nurse is picked first.
type preferFewerShiftsRule struct {
	name string
}

func (r *preferFewerShiftsRule) Name() string { return r.name }

func (r *preferFewerShiftsRule) Apply(req models.ShiftRequest, cands []Candidate) ([]Candidate, string) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].AssignedTotal < cands[j].AssignedTotal
	})
	return cands, ""
}

// maxShiftsPerWeekRule drops nurses already at the weekly cap.
type maxShiftsPerWeekRule struct {
	name string
	Max  int `json:"max"`
}

func (r *maxShiftsPerWeekRule) Name() string { return r.name }

func (r *maxShiftsPerWeekRule) Apply(req models.ShiftRequest, cands []Candidate) ([]Candidate, string) {
	var kept []Candidate
	for _, c := range cands {
		if c.AssignedWeek < r.Max {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, "every candidate is at the weekly shift cap"
	}
	return kept, ""
}

// Chain is the decoded, priority-ordered rule list plus the merged alias
// table consulted when building the base candidate set.
type Chain struct {
	Rules   []Rule
	Aliases map[string]string
}

// DecodeChain decodes matching and booking rules into typed variants. Rules
// arrive already ordered ascending by priority; matching rules run before
// booking rules of equal standing because the store orders each list. An
// unknown rule_type or malformed config is a configuration error, not a
// silent skip.
func DecodeChain(matching []models.MatchingRule, booking []models.BookingRule) (*Chain, error) {
	chain := &Chain{Aliases: map[string]string{}}

	type raw struct {
		name     string
		ruleType string
		config   []byte
		priority int
		seq      int
	}
	var all []raw
	for i, r := range matching {
		all = append(all, raw{r.Name, r.RuleType, r.Config, r.Priority, i})
	}
	for i, r := range booking {
		all = append(all, raw{r.Name, r.RuleType, r.Config, r.Priority, len(matching) + i})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority < all[j].priority
		}
		return all[i].seq < all[j].seq
	})

	for _, r := range all {
		rule, err := decodeRule(r.name, r.ruleType, r.config)
		if err != nil {
			return nil, err
		}
		if alias, ok := rule.(*unitAliasRule); ok {
			for from, to := range alias.Aliases {
				chain.Aliases[from] = to
			}
		}
		chain.Rules = append(chain.Rules, rule)
	}
	return chain, nil
}

func decodeRule(name, ruleType string, config []byte) (Rule, error) {
	if len(config) == 0 {
		config = []byte("{}")
	}
	switch ruleType {
	case RuleGradeAtLeast:
		rule := &gradeAtLeastRule{name: name}
		if err := json.Unmarshal(config, rule); err != nil || rule.Grade == "" {
			return nil, pipeline.Fail(pipeline.ErrConfigurationMissing,
				"rule %q (%s) has invalid config", name, ruleType)
		}
		return rule, nil
	case RuleRequireExactUnit:
		return &requireExactUnitRule{name: name}, nil
	case RuleUnitAliasMap:
		rule := &unitAliasRule{name: name}
		if err := json.Unmarshal(config, rule); err != nil || len(rule.Aliases) == 0 {
			return nil, pipeline.Fail(pipeline.ErrConfigurationMissing,
				"rule %q (%s) has invalid config", name, ruleType)
		}
		return rule, nil
	case RulePreferFewerShift:
		return &preferFewerShiftsRule{name: name}, nil
	case RuleMaxShiftsPerWeek:
		rule := &maxShiftsPerWeekRule{name: name}
		if err := json.Unmarshal(config, rule); err != nil || rule.Max <= 0 {
			return nil, pipeline.Fail(pipeline.ErrConfigurationMissing,
				"rule %q (%s) has invalid config", name, ruleType)
		}
		return rule, nil
	default:
		return nil, pipeline.Fail(pipeline.ErrConfigurationMissing,
			"rule %q has unknown type %q", name, ruleType)
	}
}

func gradeRank(grade string, order []string) int {
	for i, g := range order {
		if g == grade {
			return i
		}
	}
	return -1
}
