package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/models"
)

// ErrEntityNotFound is returned when a Lead, Person, ScoringConfig, or
// Prompt row does not exist.
var ErrEntityNotFound = errors.New("entity not found")

// dbExecutor is satisfied by both *sql.DB and *sql.Tx, letting EntityStorage
// run its queries either against the shared connection or inside a
// Completion Handler transaction via WithTx.
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// EntityStorage implements interfaces.EntityStorage against the
// leads/people/scoring_config/lead_scores/prompts tables. These tables
// are owned by the surrounding application; the scheduler only reads and
// writes the columns its job kinds touch (SPEC_FULL.md §3, §4.3).
type EntityStorage struct {
	db     *SQLiteDB
	exec   dbExecutor
	logger arbor.ILogger
}

// NewEntityStorage creates a new entity storage instance.
func NewEntityStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.EntityStorage {
	return &EntityStorage{db: db, exec: db.db, logger: logger}
}

// WithTx returns an EntityStorage whose queries run against tx instead of
// the shared connection, so a Completion Handler can commit every domain
// mutation for one job atomically.
func (s *EntityStorage) WithTx(tx *sql.Tx) interfaces.EntityStorage {
	return &EntityStorage{db: s.db, exec: tx, logger: s.logger}
}

func (s *EntityStorage) GetLead(ctx context.Context, id int64) (*models.Lead, error) {
	row := s.exec.QueryRowContext(ctx, `
		SELECT id, company_name, website, industry, sub_industry, employees, employee_range,
		       revenue, revenue_range, city, state, country, research_status, researched_at,
		       company_profile, created_at
		FROM leads WHERE id = ?
	`, id)

	var (
		lead                               models.Lead
		website, industry, subIndustry     sql.NullString
		employeeRange, revenueRange        sql.NullString
		city, state, country               sql.NullString
		companyProfile                     sql.NullString
		employees                          sql.NullInt64
		revenue                            sql.NullFloat64
		researchedAt                       sql.NullInt64
		researchStatus                     string
	)

	err := row.Scan(&lead.ID, &lead.CompanyName, &website, &industry, &subIndustry, &employees, &employeeRange,
		&revenue, &revenueRange, &city, &state, &country, &researchStatus, &researchedAt,
		&companyProfile, &lead.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	lead.Website = website.String
	lead.Industry = industry.String
	lead.SubIndustry = subIndustry.String
	lead.EmployeeRange = employeeRange.String
	lead.RevenueRange = revenueRange.String
	lead.City = city.String
	lead.State = state.String
	lead.Country = country.String
	lead.CompanyProfile = companyProfile.String
	lead.ResearchStatus = models.ResearchStatus(researchStatus)
	if employees.Valid {
		v := int(employees.Int64)
		lead.Employees = &v
	}
	if revenue.Valid {
		v := revenue.Float64
		lead.Revenue = &v
	}
	if researchedAt.Valid {
		v := researchedAt.Int64
		lead.ResearchedAt = &v
	}

	return &lead, nil
}

func (s *EntityStorage) UpdateLeadResearchStatus(ctx context.Context, id int64, status models.ResearchStatus) error {
	_, err := s.exec.ExecContext(ctx, `UPDATE leads SET research_status = ? WHERE id = ?`, string(status), id)
	return err
}

// GetInProgressLeadIDs returns every lead id currently marked
// research_status='in_progress', for Recovery's stuck-entity sweep
// (SPEC_FULL.md §4.6).
func (s *EntityStorage) GetInProgressLeadIDs(ctx context.Context) ([]int64, error) {
	return s.queryInProgressIDs(ctx, "leads")
}

// GetInProgressPersonIDs returns every person id currently marked
// research_status='in_progress', for Recovery's stuck-entity sweep.
func (s *EntityStorage) GetInProgressPersonIDs(ctx context.Context) ([]int64, error) {
	return s.queryInProgressIDs(ctx, "people")
}

func (s *EntityStorage) queryInProgressIDs(ctx context.Context, table string) ([]int64, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT id FROM `+table+` WHERE research_status = 'in_progress'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnrichLead applies a CompanyResearch job's parsed markdown as the lead's
// company_profile, following the null-only COALESCE semantics described in
// SPEC_FULL.md §4.1's enrich_entity: an already-populated column is never
// overwritten.
func (s *EntityStorage) EnrichLead(ctx context.Context, id int64, companyProfile string, researchedAt int64) error {
	_, err := s.exec.ExecContext(ctx, `
		UPDATE leads
		SET company_profile = COALESCE(company_profile, ?),
		    research_status = 'completed',
		    researched_at = ?
		WHERE id = ?
	`, companyProfile, researchedAt, id)
	return err
}

// ReplaceLeadPeople deletes every existing people row for the lead and
// inserts the freshly parsed set, returning the inserted
// count. Callers that need this atomic with other mutations (the usual
// case, per SPEC_FULL.md §4.3's database_updated phase) should call this
// through WithTx so delete+reinsert lands in the caller's transaction.
func (s *EntityStorage) ReplaceLeadPeople(ctx context.Context, leadID int64, people []models.PersonStub) (int, error) {
	if _, err := s.exec.ExecContext(ctx, `DELETE FROM people WHERE lead_id = ?`, leadID); err != nil {
		return 0, fmt.Errorf("failed to clear existing people: %w", err)
	}

	inserted := 0
	for _, p := range people {
		if _, err := s.exec.ExecContext(ctx, `
			INSERT INTO people (lead_id, first_name, last_name, email, title, management_level,
			                     linkedin_url, year_joined, research_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', strftime('%s', 'now') * 1000)
		`, leadID, p.FirstName, p.LastName,
			nullableString(p.Email), nullableString(p.Title), nullableString(p.ManagementLevel),
			nullableString(p.LinkedInURL), nullableInt(p.YearJoined)); err != nil {
			return 0, fmt.Errorf("failed to insert person: %w", err)
		}
		inserted++
	}

	return inserted, nil
}

// leadEnrichmentColumns whitelists the Lead columns a parsed enrichment
// record may fill, each applied only when currently NULL.
var leadEnrichmentColumns = map[string]string{
	"industry":      "industry",
	"subIndustry":   "sub_industry",
	"employees":     "employees",
	"employeeRange": "employee_range",
	"revenue":       "revenue",
	"revenueRange":  "revenue_range",
	"city":          "city",
	"state":         "state",
	"country":       "country",
}

// personEnrichmentColumns whitelists the Person columns a parsed
// enrichment record may fill, each applied only when currently NULL.
var personEnrichmentColumns = map[string]string{
	"email":           "email",
	"title":           "title",
	"managementLevel": "management_level",
	"linkedinUrl":     "linkedin_url",
	"yearJoined":      "year_joined",
}

// ApplyLeadEnrichment updates only currently-null whitelisted columns on
// lead id from enrichment, per enrich_entity's per-column COALESCE
// pattern (SPEC_FULL.md §4.1).
func (s *EntityStorage) ApplyLeadEnrichment(ctx context.Context, id int64, enrichment models.Enrichment) error {
	return s.applyEnrichment(ctx, "leads", id, enrichment, leadEnrichmentColumns)
}

// ApplyPersonEnrichment updates only currently-null whitelisted columns
// on person id from enrichment.
func (s *EntityStorage) ApplyPersonEnrichment(ctx context.Context, id int64, enrichment models.Enrichment) error {
	return s.applyEnrichment(ctx, "people", id, enrichment, personEnrichmentColumns)
}

func (s *EntityStorage) applyEnrichment(ctx context.Context, table string, id int64, enrichment models.Enrichment, columns map[string]string) error {
	for key, column := range columns {
		value, ok := enrichment[key]
		if !ok || value == nil {
			continue
		}
		query := fmt.Sprintf(`UPDATE %s SET %s = COALESCE(%s, ?) WHERE id = ?`, table, column, column)
		if _, err := s.exec.ExecContext(ctx, query, value, id); err != nil {
			return fmt.Errorf("failed to apply enrichment column %s: %w", column, err)
		}
	}
	return nil
}

func (s *EntityStorage) GetPerson(ctx context.Context, id int64) (*models.Person, error) {
	row := s.exec.QueryRowContext(ctx, `
		SELECT id, lead_id, first_name, last_name, email, title, management_level, linkedin_url,
		       year_joined, person_profile, research_status, researched_at, conversation_topics,
		       conversation_generated_at, created_at
		FROM people WHERE id = ?
	`, id)

	var (
		person                                   models.Person
		leadID                                   sql.NullInt64
		email, title, managementLevel            sql.NullString
		linkedInURL, personProfile               sql.NullString
		yearJoined                               sql.NullInt64
		researchedAt, conversationGeneratedAt     sql.NullInt64
		conversationTopics                       sql.NullString
		researchStatus                           string
	)

	err := row.Scan(&person.ID, &leadID, &person.FirstName, &person.LastName, &email, &title,
		&managementLevel, &linkedInURL, &yearJoined, &personProfile, &researchStatus,
		&researchedAt, &conversationTopics, &conversationGeneratedAt, &person.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan person: %w", err)
	}

	person.Email = email.String
	person.Title = title.String
	person.ManagementLevel = managementLevel.String
	person.LinkedInURL = linkedInURL.String
	person.PersonProfile = personProfile.String
	person.ConversationTopics = conversationTopics.String
	person.ResearchStatus = models.ResearchStatus(researchStatus)
	if leadID.Valid {
		v := leadID.Int64
		person.LeadID = &v
	}
	if yearJoined.Valid {
		v := int(yearJoined.Int64)
		person.YearJoined = &v
	}
	if researchedAt.Valid {
		v := researchedAt.Int64
		person.ResearchedAt = &v
	}
	if conversationGeneratedAt.Valid {
		v := conversationGeneratedAt.Int64
		person.ConversationGeneratedAt = &v
	}

	return &person, nil
}

func (s *EntityStorage) UpdatePersonResearchStatus(ctx context.Context, id int64, status models.ResearchStatus) error {
	_, err := s.exec.ExecContext(ctx, `UPDATE people SET research_status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *EntityStorage) EnrichPerson(ctx context.Context, id int64, personProfile string, researchedAt int64) error {
	_, err := s.exec.ExecContext(ctx, `
		UPDATE people
		SET person_profile = COALESCE(person_profile, ?),
		    research_status = 'completed',
		    researched_at = ?
		WHERE id = ?
	`, personProfile, researchedAt, id)
	return err
}

func (s *EntityStorage) SetConversationTopics(ctx context.Context, id int64, topics string, generatedAt int64) error {
	_, err := s.exec.ExecContext(ctx, `
		UPDATE people SET conversation_topics = ?, conversation_generated_at = ? WHERE id = ?
	`, topics, generatedAt, id)
	return err
}

func (s *EntityStorage) GetActiveScoringConfig(ctx context.Context) (*models.ScoringConfig, error) {
	row := s.exec.QueryRowContext(ctx, `
		SELECT id, name, is_active, required_characteristics, demand_signifiers,
		       tier_hot_min, tier_warm_min, tier_nurture_min, created_at, updated_at
		FROM scoring_config WHERE is_active = 1 ORDER BY updated_at DESC LIMIT 1
	`)

	var cfg models.ScoringConfig
	var isActive int
	err := row.Scan(&cfg.ID, &cfg.Name, &isActive, &cfg.RequiredCharacteristics, &cfg.DemandSignifiers,
		&cfg.TierHotMin, &cfg.TierWarmMin, &cfg.TierNurtureMin, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scoring config: %w", err)
	}
	cfg.IsActive = isActive != 0

	return &cfg, nil
}

func (s *EntityStorage) InsertLeadScore(ctx context.Context, score *models.LeadScore) error {
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO lead_scores (lead_id, config_id, passes_requirements, requirement_results,
		                          total_score, score_breakdown, tier, scoring_notes, scored_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, score.LeadID, score.ConfigID, boolToInt(score.PassesRequirements), score.RequirementResults,
		score.TotalScore, score.ScoreBreakdown, score.Tier, nullableString(score.ScoringNotes),
		nullableInt64(score.ScoredAt), score.CreatedAt)
	return err
}

// DeleteLeadScoreForLead removes any existing score row for leadID, ahead
// of a Scoring job inserting its replacement (SPEC_FULL.md §4.3).
func (s *EntityStorage) DeleteLeadScoreForLead(ctx context.Context, leadID int64) error {
	_, err := s.exec.ExecContext(ctx, `DELETE FROM lead_scores WHERE lead_id = ?`, leadID)
	return err
}

func (s *EntityStorage) GetPrompt(ctx context.Context, promptType string) (*models.Prompt, error) {
	row := s.exec.QueryRowContext(ctx, `
		SELECT id, type, content, created_at, updated_at
		FROM prompts WHERE type = ? ORDER BY updated_at DESC LIMIT 1
	`, promptType)

	var p models.Prompt
	err := row.Scan(&p.ID, &p.Type, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan prompt: %w", err)
	}

	return &p, nil
}

func nullableInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
