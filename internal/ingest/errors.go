package ingest

import "errors"

var (
	ErrAlreadyProcessing = errors.New("document is already being processed")
	ErrUnsupportedType   = errors.New("unsupported document type")
	ErrEmptyUpload       = errors.New("upload is empty")
	ErrQueueClosed       = errors.New("ingestion queue is closed")
)
