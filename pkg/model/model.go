// Package model defines the persisted entities shared by every component:
// the RelationalStore's rows, the QueueBroker's job payloads, and the
// OutboxPublisher's event envelopes.
package model

import (
	"encoding/json"
	"time"
)

// FileStatus is a File row's processing state.
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusProcessed FileStatus = "processed"
	FileStatusFailed    FileStatus = "failed"
	FileStatusDeleted   FileStatus = "deleted"
)

// File is identified by (path, run_id); at most one row exists per pair.
type File struct {
	ID        int64
	RunID     string
	Path      string
	Hash      string
	Status    FileStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// POI is a point of interest extracted from a File.
type POI struct {
	ID                   int64
	RunID                string
	FileID               int64
	FilePath             string
	Name                 string
	Category             string
	StartLine            int
	EndLine              int
	IsExported           bool
	SemanticID           string // empty means "not set"
	AnalysisQualityScore *float64
	Refs                 string // JSON-encoded []string of identifiers referenced in the POI's body; see References/SetReferences
	CreatedAt            time.Time
}

// References decodes Refs, the identifier names RelationshipResolutionWorker
// looks up against the §4.11 category maps. An empty Refs decodes to nil.
func (p *POI) References() ([]string, error) {
	if p.Refs == "" {
		return nil, nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(p.Refs), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// SetReferences encodes refs into Refs.
func (p *POI) SetReferences(refs []string) error {
	if len(refs) == 0 {
		p.Refs = ""
		return nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	p.Refs = string(b)
	return nil
}

// RelationshipStatus is a Relationship row's validation state.
type RelationshipStatus string

const (
	RelationshipPending   RelationshipStatus = "PENDING"
	RelationshipValidated RelationshipStatus = "VALIDATED"
	RelationshipFailed    RelationshipStatus = "FAILED"
)

// Relationship is a typed, scored edge between two POIs in the same run.
type Relationship struct {
	ID            int64
	RunID         string
	SourcePoiID   int64
	TargetPoiID   int64
	Type          string
	Confidence    float64
	Status        RelationshipStatus
	Reason        string
	EvidenceType  string
	EvidenceHash  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidForValidation reports whether r satisfies the VALIDATED invariant of spec §3:
// both POIs exist (checked by the caller against the store), confidence
// strictly within (0,1], and type non-empty.
func (r *Relationship) ValidForValidation() bool {
	return r.Confidence > 0 && r.Confidence <= 1 && r.Type != ""
}

// RelationshipEvidence is many-to-one to Relationship; when
// SourceRelationshipID is non-zero the evidence is derived and
// participates in the §4.8 cycle check.
type RelationshipEvidence struct {
	ID                   int64
	RelationshipID       int64
	Payload              []byte // opaque JSON from an extractor
	AgentConfidence       float64
	SourceRelationshipID int64 // 0 means "not derived"
	CreatedAt            time.Time
}

// TriangulationSessionStatus is a TriangulatedAnalysisSession's state.
type TriangulationSessionStatus string

const (
	SessionPending   TriangulationSessionStatus = "PENDING"
	SessionRunning   TriangulationSessionStatus = "RUNNING"
	SessionCompleted TriangulationSessionStatus = "COMPLETED"
	SessionFailed    TriangulationSessionStatus = "FAILED"
)

// TriangulatedAnalysisSession is created once per escalated relationship.
type TriangulatedAnalysisSession struct {
	ID              int64
	RunID           string
	RelationshipID  int64
	Status          TriangulationSessionStatus
	FinalConfidence *float64
	ConsensusScore  *float64
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SubagentAnalysis is one of N (N>=2) independent analyses within a
// TriangulatedAnalysisSession.
type SubagentAnalysis struct {
	ID               int64
	SessionID        int64
	AgentType        string
	Status           string
	ConfidenceScore  float64
	ProcessingTimeMS int64
	CreatedAt        time.Time
}

// ConsensusFinalDecision is a ConsensusDecision's outcome.
type ConsensusFinalDecision string

const (
	DecisionAccept   ConsensusFinalDecision = "ACCEPT"
	DecisionReject   ConsensusFinalDecision = "REJECT"
	DecisionEscalate ConsensusFinalDecision = "ESCALATE"
)

// ConsensusDecision is reached (at most) once per TriangulatedAnalysisSession.
type ConsensusDecision struct {
	ID                int64
	SessionID         int64
	FinalDecision     ConsensusFinalDecision
	WeightedConsensus float64
	ConflictDetected  bool
	CreatedAt         time.Time
}

// OutboxEventType is the tagged-variant discriminant for OutboxEvent.Payload
// (spec §9 "Dynamic payloads"). Unknown tags are dead-lettered, never
// silently dropped.
type OutboxEventType string

const (
	EventPOICreated          OutboxEventType = "poi-created"
	EventRelationshipFound    OutboxEventType = "relationship-found"
	EventGraphIngest          OutboxEventType = "graph-ingest"
	EventTriangulationRequest OutboxEventType = "triangulation-request"
)

// OutboxEventStatus is an OutboxEvent row's publication state.
// PUBLISHED is terminal.
type OutboxEventStatus string

const (
	OutboxPending    OutboxEventStatus = "PENDING"
	OutboxReserving  OutboxEventStatus = "RESERVING"
	OutboxPublished  OutboxEventStatus = "PUBLISHED"
	OutboxFailed     OutboxEventStatus = "FAILED"
)

// OutboxEvent is created in the same transaction as the domain rows it
// describes; OutboxPublisher later transitions it PENDING -> PUBLISHED.
type OutboxEvent struct {
	ID            int64
	RunID         string
	EventType     OutboxEventType
	Payload       []byte
	Status        OutboxEventStatus
	Attempts      int
	LastError     string
	ReservedBy    string
	ReservedAt    *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// RunStatusState is one entry in the append-only RunStatus log.
type RunStatusState string

const (
	RunStarted    RunStatusState = "STARTED"
	RunProcessing RunStatusState = "PROCESSING"
	RunCompleted  RunStatusState = "COMPLETED"
	RunFailed     RunStatusState = "FAILED"
)

// RunStatus is one append-only transition row for a run_id.
type RunStatus struct {
	ID        int64
	RunID     string
	State     RunStatusState
	Metadata  []byte // optional JSON
	CreatedAt time.Time
}

// DirectoryFileMapping associates a directory path with the files it
// contains, within a run, for directory-scope relationship synthesis
// (spec §4.11).
type DirectoryFileMapping struct {
	ID            int64
	RunID         string
	DirectoryPath string
	FileID        int64
}
