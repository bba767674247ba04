// Package rules evaluates events against the privacy regulations applicable
// to their region. Evaluation is a pure function of the event and the loaded
// rule table, so it is idempotent and safe to re-run.
package rules

// Regulation identifies a supported privacy regulation.
type Regulation string

const (
	RegGDPR   Regulation = "GDPR"   // EU
	RegCCPA   Regulation = "CCPA"   // California
	RegPIPL   Regulation = "PIPL"   // China
	RegPDPA   Regulation = "PDPA"   // Thailand
	RegLGPD   Regulation = "LGPD"   // Brazil
	RegPOPIA  Regulation = "POPIA"  // South Africa
	RegAPRA   Regulation = "APRA"   // Australia
	RegPIPEDA Regulation = "PIPEDA" // Canada
	RegKVKK   Regulation = "KVKK"   // Turkey
	RegPDPL   Regulation = "PDPL"   // Singapore
)

// Requirements is the static rule record for one regulation.
type Requirements struct {
	Regulation             Regulation `json:"regulation"`
	ConsentRequired        bool       `json:"consent_required"`
	DataMinimization       bool       `json:"data_minimization"`
	RightToDeletion        bool       `json:"right_to_deletion"`
	RightToAccess          bool       `json:"right_to_access"`
	DataPortability        bool       `json:"data_portability"`
	BreachNotificationDays int        `json:"breach_notification_days"`
	DPIARequired           bool       `json:"dpia_required"`
	DPORequired            bool       `json:"dpo_required"`
	MaxRetentionYears      int        `json:"max_retention_years"`
}

var regulationRequirements = map[Regulation]Requirements{
	RegGDPR: {
		Regulation: RegGDPR, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true, DataPortability: true,
		BreachNotificationDays: 3, DPIARequired: true, DPORequired: true, // 72h window
		MaxRetentionYears: 7,
	},
	RegCCPA: {
		Regulation: RegCCPA, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true, DataPortability: true,
		BreachNotificationDays: 30, MaxRetentionYears: 1,
	},
	RegPIPL: {
		Regulation: RegPIPL, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true,
		BreachNotificationDays: 30, DPIARequired: true, DPORequired: true,
		MaxRetentionYears: 3,
	},
	RegPDPA: {
		Regulation: RegPDPA, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true,
		BreachNotificationDays: 30, MaxRetentionYears: 5,
	},
	RegLGPD: {
		Regulation: RegLGPD, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true, DataPortability: true,
		BreachNotificationDays: 30, DPIARequired: true, DPORequired: true,
		MaxRetentionYears: 5,
	},
	RegPOPIA: {
		Regulation: RegPOPIA, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true,
		BreachNotificationDays: 30, DPORequired: true, MaxRetentionYears: 5,
	},
	RegAPRA: {
		Regulation: RegAPRA, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true,
		BreachNotificationDays: 30, MaxRetentionYears: 7,
	},
	RegPIPEDA: {
		Regulation: RegPIPEDA, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true,
		BreachNotificationDays: 30, MaxRetentionYears: 7,
	},
	RegKVKK: {
		Regulation: RegKVKK, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true, DataPortability: true,
		BreachNotificationDays: 30, DPORequired: true, MaxRetentionYears: 5,
	},
	RegPDPL: {
		Regulation: RegPDPL, ConsentRequired: true, DataMinimization: true,
		RightToDeletion: true, RightToAccess: true, DataPortability: true,
		BreachNotificationDays: 30, DPORequired: true, MaxRetentionYears: 5,
	},
}

var defaultRegionRegulations = map[string][]Regulation{
	"EU": {RegGDPR},
	"DE": {RegGDPR},
	"FR": {RegGDPR},
	"ES": {RegGDPR},
	"IT": {RegGDPR},
	"NL": {RegGDPR},
	"US": {RegCCPA},
	"CA": {RegCCPA},
	"CN": {RegPIPL},
	"TH": {RegPDPA},
	"BR": {RegLGPD},
	"ZA": {RegPOPIA},
	"AU": {RegAPRA},
	"CA_FEDERAL": {RegPIPEDA},
	"TR": {RegKVKK},
	"SG": {RegPDPL},
}

// RequirementsFor returns the static requirements for a regulation.
func RequirementsFor(reg Regulation) (Requirements, bool) {
	req, ok := regulationRequirements[reg]
	return req, ok
}

// StrictestRequirements merges requirement records across regulations:
// booleans OR together, numeric windows take the minimum. Used when a user
// falls under multiple jurisdictions.
func StrictestRequirements(regs []Regulation) Requirements {
	var out Requirements
	first := true
	for _, reg := range regs {
		req, ok := RequirementsFor(reg)
		if !ok {
			continue
		}
		if first {
			out = req
			out.Regulation = ""
			first = false
			continue
		}
		out.ConsentRequired = out.ConsentRequired || req.ConsentRequired
		out.DataMinimization = out.DataMinimization || req.DataMinimization
		out.RightToDeletion = out.RightToDeletion || req.RightToDeletion
		out.RightToAccess = out.RightToAccess || req.RightToAccess
		out.DataPortability = out.DataPortability || req.DataPortability
		out.DPIARequired = out.DPIARequired || req.DPIARequired
		out.DPORequired = out.DPORequired || req.DPORequired
		if req.BreachNotificationDays < out.BreachNotificationDays {
			out.BreachNotificationDays = req.BreachNotificationDays
		}
		if req.MaxRetentionYears < out.MaxRetentionYears {
			out.MaxRetentionYears = req.MaxRetentionYears
		}
	}
	return out
}
