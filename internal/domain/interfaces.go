package domain

import (
	"context"
	"time"
)

// CandidateQuery narrows the local patient store before scoring.
// Candidates come back ordered by id; a page holds at most Limit patients
// with ids after AfterID.
type CandidateQuery struct {
	FeatureIDs  []string
	DisorderIDs []string
	GeneKeys    []string
	ExcludeIDs  []string
	AfterID     string
	Limit       int
}

// PatientStore is the local patient store the Internal Matcher reads from
type PatientStore interface {
	FindCandidates(ctx context.Context, q CandidateQuery) ([]PatientProfile, error)
}

// SubmissionRepository persists submissions and their patient profiles
type SubmissionRepository interface {
	SaveSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]Submission, error)
}

// MatchStore is the append-only history of match records
type MatchStore interface {
	// Append persists one record and returns it with its final match_date and sequence.
	Append(ctx context.Context, record MatchRecord) (MatchRecord, error)
	// AppendBatch persists all records or none.
	AppendBatch(ctx context.Context, records []MatchRecord) ([]MatchRecord, error)
	// History returns all records for a patient, most recent first.
	History(ctx context.Context, submissionPatientID string) ([]MatchRecord, error)
	// LatestMatchDate returns the newest match_date for a patient, or the zero time.
	LatestMatchDate(ctx context.Context, submissionPatientID string) (time.Time, error)
	Close() error
}

// NodeRegistry hands out read-only snapshots of the federation peers
type NodeRegistry interface {
	ListActiveNodes() []Node
	LocalNode() Node
}

// Ontology answers ancestor/descendant distance questions for phenotype terms
type Ontology interface {
	// Distance returns the number of is_a steps between a and b when one is an
	// ancestor of the other, or -1 when they are unrelated.
	Distance(a, b string) int
}

// InheritanceLookup returns the inheritance models expected for a gene,
// looked up by upper-case symbol or id. Unknown genes return nil.
type InheritanceLookup interface {
	GeneInheritance(gene string) []InheritanceModel
}

// Matcher finds similar patients in the local store
type Matcher interface {
	Find(ctx context.Context, query PatientProfile, exclude map[string]struct{}) ([]MatchResult, error)
}

// FederationClient queries remote peers
type FederationClient interface {
	QueryAll(ctx context.Context, query PatientProfile, nodes []Node) ([]NodeOutcome, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	Watch(onChange func(*Config))
	GetDatabaseConnectionString() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
