// Package tasks defines the messages exchanged between the upload path and
// the ingestion workers, in-process or over Kafka.
package tasks

// IngestTask asks a worker to ingest one pending document.
type IngestTask struct {
	DocumentID string `json:"document_id"`
	RequestID  string `json:"request_id,omitempty"`
}
