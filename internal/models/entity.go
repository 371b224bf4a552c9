// -----------------------------------------------------------------------
// Domain entities mutated by the Completion Handler. The scheduler treats
// these by name only; the full attribute set a real CRM would carry around
// them is out of scope (see SPEC_FULL.md Non-goals) — only the columns the
// scheduler itself reads or writes are modelled here.
// -----------------------------------------------------------------------

package models

// ResearchStatus is the research lifecycle the scheduler drives on Lead
// and Person rows.
type ResearchStatus string

const (
	ResearchStatusPending    ResearchStatus = "pending"
	ResearchStatusInProgress ResearchStatus = "in_progress"
	ResearchStatusCompleted  ResearchStatus = "completed"
	ResearchStatusFailed     ResearchStatus = "failed"
)

// Lead is a company-shaped sales target. CompanyResearch and Scoring jobs
// operate on leads.
type Lead struct {
	ID             int64          `json:"id"`
	CompanyName    string         `json:"company_name"`
	Website        string         `json:"website,omitempty"`
	Industry       string         `json:"industry,omitempty"`
	SubIndustry    string         `json:"sub_industry,omitempty"`
	Employees      *int           `json:"employees,omitempty"`
	EmployeeRange  string         `json:"employee_range,omitempty"`
	Revenue        *float64       `json:"revenue,omitempty"`
	RevenueRange   string         `json:"revenue_range,omitempty"`
	City           string         `json:"city,omitempty"`
	State          string         `json:"state,omitempty"`
	Country        string         `json:"country,omitempty"`
	ResearchStatus ResearchStatus `json:"research_status"`
	ResearchedAt   *int64         `json:"researched_at,omitempty"`
	CompanyProfile string         `json:"company_profile,omitempty"`
	CreatedAt      int64          `json:"created_at"`
}

// Person is an individual contact belonging to a Lead. PersonResearch and
// Conversation jobs operate on people.
type Person struct {
	ID                      int64          `json:"id"`
	LeadID                  *int64         `json:"lead_id,omitempty"`
	FirstName               string         `json:"first_name"`
	LastName                string         `json:"last_name"`
	Email                   string         `json:"email,omitempty"`
	Title                   string         `json:"title,omitempty"`
	ManagementLevel         string         `json:"management_level,omitempty"`
	LinkedInURL             string         `json:"linkedin_url,omitempty"`
	YearJoined              *int           `json:"year_joined,omitempty"`
	PersonProfile           string         `json:"person_profile,omitempty"`
	ResearchStatus          ResearchStatus `json:"research_status"`
	ResearchedAt            *int64         `json:"researched_at,omitempty"`
	ConversationTopics      string         `json:"conversation_topics,omitempty"`
	ConversationGeneratedAt *int64         `json:"conversation_generated_at,omitempty"`
	CreatedAt               int64          `json:"created_at"`
}

// ScoringConfig is the active rule set Scoring jobs score a Lead against.
type ScoringConfig struct {
	ID                      int64  `json:"id"`
	Name                    string `json:"name"`
	IsActive                bool   `json:"is_active"`
	RequiredCharacteristics string `json:"required_characteristics"` // JSON array
	DemandSignifiers        string `json:"demand_signifiers"`        // JSON array
	TierHotMin              int    `json:"tier_hot_min"`
	TierWarmMin             int    `json:"tier_warm_min"`
	TierNurtureMin          int    `json:"tier_nurture_min"`
	CreatedAt               int64  `json:"created_at"`
	UpdatedAt               int64  `json:"updated_at"`
}

// Tier derives the qualitative tier for a total score against this config.
func (c *ScoringConfig) Tier(totalScore int) string {
	switch {
	case totalScore >= c.TierHotMin:
		return "hot"
	case totalScore >= c.TierWarmMin:
		return "warm"
	case totalScore >= c.TierNurtureMin:
		return "nurture"
	default:
		return "cold"
	}
}

// LeadScore is one Scoring job's result against a Lead.
type LeadScore struct {
	ID                  int64  `json:"id"`
	LeadID              int64  `json:"lead_id"`
	ConfigID             int64  `json:"config_id"`
	PassesRequirements   bool   `json:"passes_requirements"`
	RequirementResults   string `json:"requirement_results"` // JSON
	TotalScore           int    `json:"total_score"`
	ScoreBreakdown       string `json:"score_breakdown"` // JSON
	Tier                 string `json:"tier"`
	ScoringNotes         string `json:"scoring_notes,omitempty"`
	ScoredAt             *int64 `json:"scored_at,omitempty"`
	CreatedAt            int64  `json:"created_at"`
}

// Prompt is a stored prompt template used to build job prompts.
type Prompt struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// EntityType names which table an enrichment or rollback targets.
type EntityType string

const (
	EntityTypeLead   EntityType = "lead"
	EntityTypePerson EntityType = "person"
)

// Enrichment is a loosely-typed, best-effort parsed payload applied to an
// entity with null-only semantics: enrich_entity only fills columns that
// are currently NULL, never overwriting existing data.
type Enrichment map[string]interface{}

// PersonStub is one entry of a CompanyResearch job's secondary output
// (the people.json array), before it is persisted as a Person row.
type PersonStub struct {
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Email           string `json:"email,omitempty"`
	Title           string `json:"title,omitempty"`
	LinkedInURL     string `json:"linkedinUrl,omitempty"`
	ManagementLevel string `json:"managementLevel,omitempty"`
	YearJoined      *int   `json:"yearJoined,omitempty"`
}

// ScoringResult is the parsed shape of a Scoring job's primary output.
type ScoringResult struct {
	PassesRequirements bool                   `json:"passesRequirements"`
	RequirementResults map[string]interface{} `json:"requirementResults,omitempty"`
	TotalScore         int                    `json:"totalScore,omitempty"`
	ScoreBreakdown     map[string]interface{} `json:"scoreBreakdown,omitempty"`
	Tier               string                 `json:"tier,omitempty"`
	ScoringNotes       string                 `json:"scoringNotes,omitempty"`
}
