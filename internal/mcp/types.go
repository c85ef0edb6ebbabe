// Package mcp exposes document ingestion and analysis as MCP tools.
package mcp

import "time"

// SubmitDocumentInput defines the input parameters for the submit_document tool.
type SubmitDocumentInput struct {
	// Filename is used for content type detection and the stored object key.
	Filename string `json:"filename" jsonschema:"File name of the document, e.g. labs.pdf"`
	// Content is the raw file, base64 encoded.
	Content string `json:"content" jsonschema:"Base64-encoded document bytes (PDF, plain text or markdown)"`
	// ContentType overrides detection from Filename and Content.
	ContentType string `json:"content_type,omitempty" jsonschema:"Optional media type, e.g. application/pdf"`
	UserID      string `json:"user_id,omitempty" jsonschema:"Owner of the document"`
	PatientID   string `json:"patient_id,omitempty" jsonschema:"Patient the document belongs to (defaults to user_id)"`
	// DocumentType defaults to medical_record.
	DocumentType string `json:"document_type,omitempty" jsonschema:"Document category, e.g. lab_report"`
}

// SubmitDocumentOutput is returned as soon as the document is queued.
type SubmitDocumentOutput struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// GetDocumentStatusInput defines the input parameters for the get_document_status tool.
type GetDocumentStatusInput struct {
	DocumentID string `json:"document_id" jsonschema:"Id returned by submit_document"`
}

// DocumentStatusOutput is the processing state of one document.
type DocumentStatusOutput struct {
	DocumentID  string              `json:"document_id"`
	Found       bool                `json:"found"`
	Status      string              `json:"status,omitempty"`
	Error       string              `json:"error,omitempty"`
	PageCount   int                 `json:"page_count,omitempty"`
	TextLength  int                 `json:"text_length,omitempty"`
	Entities    map[string][]string `json:"medical_entities,omitempty"`
	ProcessedAt *time.Time          `json:"processed_at,omitempty"`
}

// ListDocumentsInput defines the input parameters for the list_documents tool.
type ListDocumentsInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"Owner whose documents to list"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of documents to return (default 100)"`
}

// DocumentSummary is one row of list_documents.
type DocumentSummary struct {
	DocumentID   string    `json:"document_id"`
	Filename     string    `json:"filename"`
	DocumentType string    `json:"document_type"`
	PatientID    string    `json:"patient_id"`
	Status       string    `json:"status"`
	FileSize     int64     `json:"file_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListDocumentsOutput contains the user's documents, newest first.
type ListDocumentsOutput struct {
	Documents []DocumentSummary `json:"documents"`
	Count     int               `json:"count"`
}

// AnalyzeQueryInput defines the input parameters for the analyze_query tool.
type AnalyzeQueryInput struct {
	Query        string   `json:"query" jsonschema:"Natural-language question about the documents"`
	UserID       string   `json:"user_id,omitempty" jsonschema:"User asking the question"`
	DocumentIDs  []string `json:"document_ids,omitempty" jsonschema:"Restrict retrieval to these documents; empty searches all"`
	AnalysisType string   `json:"analysis_type,omitempty" jsonschema:"Free-form tag stored with the analysis (default general)"`
}

// AnalyzeQueryOutput is the persisted analysis record.
type AnalyzeQueryOutput struct {
	AnalysisID      string    `json:"analysis_id"`
	Response        string    `json:"response"`
	ConfidenceScore float64   `json:"confidence_score"`
	Sources         []string  `json:"sources"`
	AnalysisType    string    `json:"analysis_type"`
	Provider        string    `json:"provider"`
	CreatedAt       time.Time `json:"created_at"`
}

// GetAnalysisInput defines the input parameters for the get_analysis tool.
type GetAnalysisInput struct {
	AnalysisID string `json:"analysis_id" jsonschema:"Id returned by analyze_query"`
}

// GetAnalysisOutput is one stored analysis. Found is false for unknown ids.
type GetAnalysisOutput struct {
	Found    bool                `json:"found"`
	Analysis *AnalyzeQueryOutput `json:"analysis,omitempty"`
	Query    string              `json:"query,omitempty"`
}

// ListAnalysesInput defines the input parameters for the list_analyses tool.
type ListAnalysesInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"User whose analyses to list"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of analyses to return (default 100)"`
}

// AnalysisSummary is one entry in list_analyses output.
type AnalysisSummary struct {
	AnalysisID      string    `json:"analysis_id"`
	Query           string    `json:"query"`
	AnalysisType    string    `json:"analysis_type"`
	ConfidenceScore float64   `json:"confidence_score"`
	Sources         []string  `json:"sources"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListAnalysesOutput contains the user's analyses, newest first.
type ListAnalysesOutput struct {
	Analyses []AnalysisSummary `json:"analyses"`
	Count    int               `json:"count"`
}
