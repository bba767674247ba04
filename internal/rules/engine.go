package rules

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Metadata keys referencing prior state for window-based checks. Values are
// numeric days elapsed since the referenced state.
const (
	MetaBreachAgeDays   = "breach_age_days"
	MetaAccessAgeDays   = "access_request_age_days"
	MetaDeletionAgeDays = "deletion_request_age_days"
	MetaRetentionYears  = "retention_years"
)

// Engine evaluates events against the regulations applicable to their
// region. A region with no mapped regulation is treated as "no applicable
// regulation", never as an error.
type Engine struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	regions map[string][]Regulation
}

// NewEngine builds a rule engine from the built-in region table plus
// configured overrides.
func NewEngine(logger *zap.Logger, overrides map[string][]string) *Engine {
	regions := make(map[string][]Regulation, len(defaultRegionRegulations))
	for region, regs := range defaultRegionRegulations {
		regions[region] = append([]Regulation(nil), regs...)
	}
	for region, names := range overrides {
		var regs []Regulation
		for _, name := range names {
			if _, ok := regulationRequirements[Regulation(name)]; ok {
				regs = append(regs, Regulation(name))
			} else {
				logger.Warn("ignoring unknown regulation in region override",
					zap.String("region", region), zap.String("regulation", name))
			}
		}
		regions[region] = regs
	}
	return &Engine{logger: logger, regions: regions}
}

// RegulationsFor returns the regulations applicable to a region. Events from
// EU member regions always fall under GDPR even when the region table has no
// explicit entry.
func (e *Engine) RegulationsFor(region string, isEU bool) []Regulation {
	e.mu.RLock()
	regs, ok := e.regions[region]
	e.mu.RUnlock()
	if ok {
		out := append([]Regulation(nil), regs...)
		if isEU && !containsRegulation(out, RegGDPR) {
			out = append(out, RegGDPR)
		}
		return out
	}
	if isEU {
		return []Regulation{RegGDPR}
	}
	return nil
}

// Evaluate checks an event against every applicable regulation and returns
// an ordered violation list. Empty result means compliant. Pure function of
// the event and the loaded rule table.
func (e *Engine) Evaluate(event *models.Event) []models.Violation {
	regs := e.RegulationsFor(event.Region, event.IsEU)
	if len(regs) == 0 {
		return nil
	}

	var violations []models.Violation
	for _, reg := range regs {
		req, ok := regulationRequirements[reg]
		if !ok {
			continue
		}
		violations = append(violations, e.checkRegulation(event, req)...)
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Regulation != violations[j].Regulation {
			return violations[i].Regulation < violations[j].Regulation
		}
		return violations[i].Action < violations[j].Action
	})
	return violations
}

func (e *Engine) checkRegulation(event *models.Event, req Requirements) []models.Violation {
	var out []models.Violation

	if req.ConsentRequired && !event.HasConsent {
		out = append(out, models.Violation{
			Regulation: string(req.Regulation),
			Action:     "consent",
			Reason:     "explicit consent required but not obtained",
		})
	}

	if days, ok := metaFloat(event, MetaBreachAgeDays); ok && int(days) > req.BreachNotificationDays {
		out = append(out, models.Violation{
			Regulation: string(req.Regulation),
			Action:     "breach_notification",
			Reason:     "breach notification window exceeded",
		})
	}

	if req.RightToAccess {
		if days, ok := metaFloat(event, MetaAccessAgeDays); ok && days > 30 {
			out = append(out, models.Violation{
				Regulation: string(req.Regulation),
				Action:     "data_access",
				Reason:     "access request not responded within 30 days",
			})
		}
	}

	if req.RightToDeletion {
		if days, ok := metaFloat(event, MetaDeletionAgeDays); ok && days > 30 {
			out = append(out, models.Violation{
				Regulation: string(req.Regulation),
				Action:     "data_deletion",
				Reason:     "deletion request not completed within 30 days",
			})
		}
	}

	if years, ok := metaFloat(event, MetaRetentionYears); ok && int(years) > req.MaxRetentionYears {
		out = append(out, models.Violation{
			Regulation: string(req.Regulation),
			Action:     "data_retention",
			Reason:     "data retention exceeds regulation limit",
		})
	}

	return out
}

func metaFloat(event *models.Event, key string) (float64, bool) {
	if event.Metadata == nil {
		return 0, false
	}
	switch v := event.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func containsRegulation(regs []Regulation, target Regulation) bool {
	for _, r := range regs {
		if r == target {
			return true
		}
	}
	return false
}
