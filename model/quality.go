package model

type FlagType string

const (
	FlagCompleteness FlagType = "completeness"
	FlagAccuracy     FlagType = "accuracy"
	FlagConsistency  FlagType = "consistency"
	FlagRelevance    FlagType = "relevance"
	FlagFreshness    FlagType = "freshness"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// QualityFlag is an advisory data-quality finding attached to a record.
type QualityFlag struct {
	Type            FlagType `json:"type"`
	Severity        Severity `json:"severity"`
	Field           string   `json:"field,omitempty"`
	Description     string   `json:"description"`
	SuggestedAction string   `json:"suggested_action"`
	AutoResolvable  bool     `json:"auto_resolvable"`
}

// BlocksIngestion is true only for a critical flag on the name field
func (f QualityFlag) BlocksIngestion() bool {
	return f.Severity == SeverityCritical && f.Field == "name"
}

// HasBlockingFlag returns the first flag that blocks ingestion, if any
func HasBlockingFlag(flags []QualityFlag) (QualityFlag, bool) {
	for _, f := range flags {
		if f.BlocksIngestion() {
			return f, true
		}
	}
	return QualityFlag{}, false
}
