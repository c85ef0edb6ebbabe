package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/medrag-server/internal/analysis"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/ingest"
)

// Ingestor is the ingestion service behind the document tools.
type Ingestor interface {
	SubmitDocument(ctx context.Context, up ingest.Upload) (string, error)
	GetDocumentStatus(ctx context.Context, id string) (docstore.JobState, error)
	ListDocuments(ctx context.Context, userID string, limit int) ([]*docstore.Document, error)
}

// Analyzer is the analysis service behind the analysis tools.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*docstore.AnalysisRecord, error)
	Get(ctx context.Context, id string) (*docstore.AnalysisRecord, error)
	List(ctx context.Context, userID string, limit int) ([]*docstore.AnalysisRecord, error)
}

// makeSubmitHandler creates the submit_document tool handler.
// The document is queued and processed in the background; poll
// get_document_status for the outcome.
func makeSubmitHandler(svc Ingestor) func(
	context.Context, *mcp.CallToolRequest, SubmitDocumentInput,
) (*mcp.CallToolResult, SubmitDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SubmitDocumentInput) (
		*mcp.CallToolResult, SubmitDocumentOutput, error,
	) {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(input.Content))
		if err != nil {
			return nil, SubmitDocumentOutput{}, fmt.Errorf("content must be base64 encoded: %w", err)
		}

		id, err := svc.SubmitDocument(ctx, ingest.Upload{
			Filename:     input.Filename,
			ContentType:  input.ContentType,
			UserID:       input.UserID,
			PatientID:    input.PatientID,
			DocumentType: input.DocumentType,
			Data:         data,
		})
		if err != nil && id == "" {
			return nil, SubmitDocumentOutput{}, fmt.Errorf("failed to submit document: %w", err)
		}
		if err != nil {
			// Stored but not scheduled.
			return nil, SubmitDocumentOutput{
				DocumentID: id,
				Status:     string(docstore.StatusPending),
				Message:    "Document stored but could not be scheduled: " + err.Error(),
			}, nil
		}

		return nil, SubmitDocumentOutput{
			DocumentID: id,
			Status:     string(docstore.StatusPending),
			Message:    "Document queued for processing. Use get_document_status to follow progress.",
		}, nil
	}
}

// makeStatusHandler creates the get_document_status tool handler.
func makeStatusHandler(svc Ingestor) func(
	context.Context, *mcp.CallToolRequest, GetDocumentStatusInput,
) (*mcp.CallToolResult, DocumentStatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetDocumentStatusInput) (
		*mcp.CallToolResult, DocumentStatusOutput, error,
	) {
		state, err := svc.GetDocumentStatus(ctx, input.DocumentID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return nil, DocumentStatusOutput{DocumentID: input.DocumentID, Found: false}, nil
			}
			return nil, DocumentStatusOutput{}, fmt.Errorf("failed to get document status: %w", err)
		}

		out := DocumentStatusOutput{
			DocumentID:  state.DocumentID,
			Found:       true,
			Status:      string(state.Status),
			Error:       state.Error,
			PageCount:   state.PageCount,
			Entities:    state.Entities,
			ProcessedAt: state.ProcessedAt,
		}
		if state.ExtractedText != nil {
			out.TextLength = len(*state.ExtractedText)
		}
		return nil, out, nil
	}
}

// makeListHandler creates the list_documents tool handler.
func makeListHandler(svc Ingestor) func(
	context.Context, *mcp.CallToolRequest, ListDocumentsInput,
) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentsInput) (
		*mcp.CallToolResult, ListDocumentsOutput, error,
	) {
		docs, err := svc.ListDocuments(ctx, input.UserID, input.Limit)
		if err != nil {
			return nil, ListDocumentsOutput{}, fmt.Errorf("failed to list documents: %w", err)
		}

		summaries := make([]DocumentSummary, 0, len(docs))
		for _, d := range docs {
			summaries = append(summaries, DocumentSummary{
				DocumentID:   d.ID,
				Filename:     d.Filename,
				DocumentType: d.DocumentType,
				PatientID:    d.PatientID,
				Status:       string(d.Status),
				FileSize:     d.FileSize,
				CreatedAt:    d.CreatedAt,
			})
		}
		return nil, ListDocumentsOutput{Documents: summaries, Count: len(summaries)}, nil
	}
}

// makeAnalyzeHandler creates the analyze_query tool handler.
// Retrieval and generation degrade to a fallback answer; only storage
// failures are reported as errors.
func makeAnalyzeHandler(svc Analyzer) func(
	context.Context, *mcp.CallToolRequest, AnalyzeQueryInput,
) (*mcp.CallToolResult, AnalyzeQueryOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AnalyzeQueryInput) (
		*mcp.CallToolResult, AnalyzeQueryOutput, error,
	) {
		query := strings.TrimSpace(input.Query)
		if query == "" {
			return nil, AnalyzeQueryOutput{}, errors.New("query must not be empty")
		}

		rec, err := svc.Analyze(ctx, analysis.Request{
			UserID:       input.UserID,
			Query:        query,
			DocumentIDs:  input.DocumentIDs,
			AnalysisType: input.AnalysisType,
		})
		if err != nil {
			return nil, AnalyzeQueryOutput{}, fmt.Errorf("analysis failed: %w", err)
		}

		return nil, analysisOutput(rec), nil
	}
}

// makeGetAnalysisHandler creates the get_analysis tool handler.
func makeGetAnalysisHandler(svc Analyzer) func(
	context.Context, *mcp.CallToolRequest, GetAnalysisInput,
) (*mcp.CallToolResult, GetAnalysisOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetAnalysisInput) (
		*mcp.CallToolResult, GetAnalysisOutput, error,
	) {
		rec, err := svc.Get(ctx, input.AnalysisID)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, GetAnalysisOutput{Found: false}, nil
		}
		if err != nil {
			return nil, GetAnalysisOutput{}, fmt.Errorf("failed to get analysis: %w", err)
		}

		out := analysisOutput(rec)
		return nil, GetAnalysisOutput{Found: true, Analysis: &out, Query: rec.Query}, nil
	}
}

// makeListAnalysesHandler creates the list_analyses tool handler.
func makeListAnalysesHandler(svc Analyzer) func(
	context.Context, *mcp.CallToolRequest, ListAnalysesInput,
) (*mcp.CallToolResult, ListAnalysesOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListAnalysesInput) (
		*mcp.CallToolResult, ListAnalysesOutput, error,
	) {
		recs, err := svc.List(ctx, input.UserID, input.Limit)
		if err != nil {
			return nil, ListAnalysesOutput{}, fmt.Errorf("failed to list analyses: %w", err)
		}

		summaries := make([]AnalysisSummary, 0, len(recs))
		for _, r := range recs {
			summaries = append(summaries, AnalysisSummary{
				AnalysisID:      r.ID,
				Query:           r.Query,
				AnalysisType:    r.AnalysisType,
				ConfidenceScore: r.ConfidenceScore,
				Sources:         r.Sources,
				CreatedAt:       r.CreatedAt,
			})
		}
		return nil, ListAnalysesOutput{Analyses: summaries, Count: len(summaries)}, nil
	}
}

func analysisOutput(rec *docstore.AnalysisRecord) AnalyzeQueryOutput {
	return AnalyzeQueryOutput{
		AnalysisID:      rec.ID,
		Response:        rec.Response,
		ConfidenceScore: rec.ConfidenceScore,
		Sources:         rec.Sources,
		AnalysisType:    rec.AnalysisType,
		Provider:        rec.Provider,
		CreatedAt:       rec.CreatedAt,
	}
}
