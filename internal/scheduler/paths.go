package scheduler

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/liidi/scoutd/internal/models"
)

// Slugify lowercases s and replaces every run of non-alphanumeric
// characters with a single underscore, trimming leading/trailing
// underscores (SPEC_FULL.md §6 file layout).
func Slugify(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// JobPaths is the file layout for one job's output: a working directory
// plus, for research kinds, a primary markdown file alongside secondary/
// enrichment JSON siblings (SPEC_FULL.md §6).
type JobPaths struct {
	WorkingDir     string
	OutputPath     string
	SecondaryPath  string
	EnrichmentPath string
}

// BuildJobPaths derives the on-disk layout for a job of the given kind
// against entityID/label, rooted at dataDir.
func BuildJobPaths(dataDir string, kind models.JobKind, entityID int64, entityLabel string) JobPaths {
	slug := Slugify(entityLabel)

	switch kind {
	case models.JobKindCompanyResearch:
		dir := filepath.Join(dataDir, "research", fmt.Sprintf("company_%d_%s", entityID, slug))
		return JobPaths{
			WorkingDir:     dir,
			OutputPath:     filepath.Join(dir, "company_profile.md"),
			SecondaryPath:  filepath.Join(dir, "people.json"),
			EnrichmentPath: filepath.Join(dir, "enrichment.json"),
		}
	case models.JobKindPersonResearch:
		dir := filepath.Join(dataDir, "research", fmt.Sprintf("person_%d_%s", entityID, slug))
		return JobPaths{
			WorkingDir:     dir,
			OutputPath:     filepath.Join(dir, "person_profile.md"),
			EnrichmentPath: filepath.Join(dir, "enrichment.json"),
		}
	case models.JobKindScoring:
		dir := filepath.Join(dataDir, "scoring")
		return JobPaths{
			WorkingDir: dir,
			OutputPath: filepath.Join(dir, fmt.Sprintf("score_%d_%s.json", entityID, slug)),
		}
	case models.JobKindConversation:
		dir := filepath.Join(dataDir, "conversations")
		return JobPaths{
			WorkingDir: dir,
			OutputPath: filepath.Join(dir, fmt.Sprintf("conversation_%d_%s.md", entityID, slug)),
		}
	case models.JobKindCompanyProfileResearch:
		dir := filepath.Join(dataDir, "company_profile")
		return JobPaths{
			WorkingDir:     dir,
			OutputPath:     filepath.Join(dir, "profile_analysis.json"),
			EnrichmentPath: filepath.Join(dir, "enrichment.json"),
		}
	default:
		dir := filepath.Join(dataDir, "misc", fmt.Sprintf("%d_%s", entityID, slug))
		return JobPaths{WorkingDir: dir, OutputPath: filepath.Join(dir, "output")}
	}
}
