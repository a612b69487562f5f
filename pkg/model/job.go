package model

import "time"

// Job is the QueueBroker's unit of work: an opaque payload addressed to a
// named queue, carrying the bookkeeping the broker needs for at-least-once
// delivery (spec §4.2).
type Job struct {
	ID          int64
	Queue       string
	RunID       string
	Payload     []byte // JSON-encoded worker-specific input
	Attempts    int
	VisibleAt   time.Time // job is invisible to reserve() until this time
	ReservedBy  string
	LastError   string
	CreatedAt   time.Time
}

// FileAnalysisInput is FileAnalysisWorker's job payload.
type FileAnalysisInput struct {
	FilePath string `json:"filePath"`
	RunID    string `json:"runId"`
}

// DirectoryResolutionInput is DirectoryAggWorker's job payload: the
// directory discovered and the ids of the files the run's discovery step
// has already placed within it.
type DirectoryResolutionInput struct {
	DirectoryPath string  `json:"directoryPath"`
	RunID         string  `json:"runId"`
	FileIDs       []int64 `json:"fileIds"`
}

// RelationshipResolutionInput is RelationshipResolutionWorker's job payload.
type RelationshipResolutionInput struct {
	POIID int64  `json:"poiId"`
	RunID string `json:"runId"`
}

// ValidationInput is ValidationWorker's job payload.
type ValidationInput struct {
	RelationshipID int64  `json:"relationshipId"`
	RunID          string `json:"runId"`
}

// TriangulationInput is TriangulationCoordinator's job payload.
type TriangulationInput struct {
	RelationshipID int64  `json:"relationshipId"`
	RunID          string `json:"runId"`
}

// GraphIngestBatch is GraphIngestWorker's job payload: a batch of POI and
// relationship ids whose current store state should be projected.
type GraphIngestBatch struct {
	RunID             string  `json:"runId"`
	POIIDs            []int64 `json:"poiIds"`
	RelationshipIDs   []int64 `json:"relationshipIds"`
}

// POICreatedPayload is the poi-created outbox event's payload.
type POICreatedPayload struct {
	RunID  string  `json:"runId"`
	FileID int64   `json:"fileId"`
	POIIDs []int64 `json:"poiIds"`
}

// RelationshipFoundPayload is the relationship-found outbox event's payload.
type RelationshipFoundPayload struct {
	RunID          string `json:"runId"`
	RelationshipID int64  `json:"relationshipId"`
}

// GraphIngestPayload is the graph-ingest outbox event's payload.
type GraphIngestPayload struct {
	RunID          string `json:"runId"`
	RelationshipID int64  `json:"relationshipId"`
}

// TriangulationRequestPayload is the triangulation-request outbox event's payload.
type TriangulationRequestPayload struct {
	RunID          string `json:"runId"`
	RelationshipID int64  `json:"relationshipId"`
}
