// Package models holds the catalog and execution records shared by the
// plasmido engine, its catalog store and its command surface.
package models

import "time"

// WorkbookAction is the run action requested for a workbook.
type WorkbookAction string

const (
	ActionNone WorkbookAction = "NONE"
	ActionRun  WorkbookAction = "RUN"
	ActionStop WorkbookAction = "STOP"
)

// RunStatus is the status of a single artifact run or the aggregate status of
// a workbook run.
type RunStatus string

const (
	StatusRunning RunStatus = "RUNNING"
	StatusStopped RunStatus = "STOPPED"
)

// ArtifactType distinguishes producers from consumers.
type ArtifactType string

const (
	ArtifactProducer ArtifactType = "PRODUCER"
	ArtifactConsumer ArtifactType = "CONSUMER"
)

// SchemaType describes how an artifact payload is serialised.
type SchemaType string

const (
	SchemaPlain SchemaType = "PLAIN"
	SchemaAvro  SchemaType = "AVRO"
	SchemaJSON  SchemaType = "JSON"
)

// ConsumeFrom is the starting position of a consumer.
type ConsumeFrom string

const (
	ConsumeFromNow       ConsumeFrom = "NOW"
	ConsumeFromBeginning ConsumeFrom = "BEGINNING"
)

// PayloadSchema points an artifact at a schema in a registry.
type PayloadSchema struct {
	SchemaRegistryID string `json:"schemaRegistryId,omitempty" yaml:"schemaRegistryId,omitempty"`
	SchemaSubject    string `json:"schemaSubject,omitempty" yaml:"schemaSubject,omitempty"`
	SchemaID         int    `json:"schemaId,omitempty" yaml:"schemaId,omitempty"`
}

// Artifact is a single producer or consumer definition inside a workbook.
type Artifact struct {
	UUID          string            `json:"uuid" yaml:"uuid"`
	Name          string            `json:"name" yaml:"name"`
	Type          ArtifactType      `json:"type" yaml:"type"`
	BrokerID      string            `json:"brokerId" yaml:"brokerId"`
	TopicName     string            `json:"topicName" yaml:"topicName"`
	Payload       string            `json:"payload,omitempty" yaml:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	SchemaType    SchemaType        `json:"schemaType,omitempty" yaml:"schemaType,omitempty"`
	PayloadSchema PayloadSchema     `json:"payloadSchema" yaml:"payloadSchema,omitempty"`
	ConsumeFrom   ConsumeFrom       `json:"consumeFrom,omitempty" yaml:"consumeFrom,omitempty"`
	RepeatTimes   int               `json:"repeatTimes,omitempty" yaml:"repeatTimes,omitempty"`
	BatchSize     int               `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
}

// UsesSchema reports whether the artifact payload goes through a registry.
func (a Artifact) UsesSchema() bool {
	return a.SchemaType != "" && a.SchemaType != SchemaPlain
}

// Workbook is a saved collection of artifacts, run as a unit.
type Workbook struct {
	ID        string         `json:"_id,omitempty" yaml:"-"`
	UUID      string         `json:"uuid" yaml:"uuid"`
	Name      string         `json:"name" yaml:"name"`
	Action    WorkbookAction `json:"action,omitempty" yaml:"-"`
	Status    RunStatus      `json:"status,omitempty" yaml:"-"`
	Artifacts []Artifact     `json:"artifacts" yaml:"artifacts"`
	CreatedAt time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time      `json:"updatedAt" yaml:"-"`
}

// ExecutionWorkbook is one record per workbook run.
type ExecutionWorkbook struct {
	ID           string         `json:"_id"`
	WorkbookUUID string         `json:"workbookUUID"`
	Action       WorkbookAction `json:"action"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ExecutionArtifact is one record per artifact per run. Status only moves
// from RUNNING to STOPPED.
type ExecutionArtifact struct {
	ID           string    `json:"_id"`
	WorkbookUUID string    `json:"workbookUUID"`
	ArtifactUUID string    `json:"artifactUUID"`
	Status       RunStatus `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ExecutionStart is returned when a workbook run begins.
type ExecutionStart struct {
	ExecutionWorkbook  ExecutionWorkbook   `json:"executionWorkbook"`
	ExecutionArtifacts []ExecutionArtifact `json:"executionArtifacts"`
}

// SourceMessage records where a consumed message came from.
type SourceMessage struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key,omitempty"`
}

// ConsumedEvent is one decoded message received by a consumer artifact.
type ConsumedEvent struct {
	ID               string            `json:"_id"`
	ArtifactUUID     string            `json:"artifactUUID"`
	UniqueConstraint string            `json:"uniqueConstraint"`
	Source           SourceMessage     `json:"source"`
	PlainMessage     string            `json:"plainMessage"`
	PlainHeaders     map[string]string `json:"plainHeaders,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}
