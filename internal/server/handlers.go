package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tollguard/internal/alerts"
	"github.com/mbd888/tollguard/internal/bulk"
	"github.com/mbd888/tollguard/internal/logging"
	"github.com/mbd888/tollguard/internal/metrics"
	"github.com/mbd888/tollguard/internal/pipeline"
	"github.com/mbd888/tollguard/internal/realtime"
	"github.com/mbd888/tollguard/internal/record"
	"github.com/mbd888/tollguard/internal/scoring"
	"github.com/mbd888/tollguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	scoreLimit := validation.RequestSizeMiddleware(validation.MaxRequestSize)

	// Lane controllers predating the versioned API post here.
	s.router.POST("/predict", scoreLimit, s.scoreTransaction)

	v1 := s.router.Group("/v1")
	v1.POST("/transactions/score", scoreLimit, s.scoreTransaction)
	v1.POST("/batches", validation.RequestSizeMiddleware(s.cfg.BulkMaxUploadBytes), s.scoreBatch)
	v1.GET("/model", s.modelInfo)

	alerts.NewHandler(s.store).RegisterRoutes(v1)
	s.realtimeHub.RegisterRoutes(v1)
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// -----------------------------------------------------------------------------
// Real-time path
// -----------------------------------------------------------------------------

func (s *Server) scoreTransaction(c *gin.Context) {
	raw, err := decodeObject(c.Request.Body)
	if err != nil {
		if isTooLarge(err) {
			errorJSON(c, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds 1MB")
			return
		}
		errorJSON(c, http.StatusBadRequest, "invalid_request", "request body must be a JSON object: "+err.Error())
		return
	}

	res, err := s.pipeline.ScoreTransaction(c.Request.Context(), raw)
	if err != nil {
		s.scoreError(c, res, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// scoreError maps a ScoreTransaction failure onto the response. A store
// failure still reports the score and verdict.
func (s *Server) scoreError(c *gin.Context, res *pipeline.Result, err error) {
	var violation *record.SchemaViolation
	switch {
	case errors.As(err, &violation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "schema_violation",
			"message": violation.Error(),
			"fields":  violation.Errors,
		})
	case errors.Is(err, alerts.ErrStoreUnavailable) && res != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":          "store_unavailable",
			"message":        "transaction scored as alert but the alert could not be recorded",
			"transaction_id": res.TransactionID,
			"fraud_score":    res.FraudScore,
			"threshold":      res.Threshold,
			"verdict":        res.Verdict,
			"alert_recorded": false,
		})
	case errors.Is(err, scoring.ErrFeatureMismatch):
		errorJSON(c, http.StatusInternalServerError, "feature_mismatch", err.Error())
	case errors.Is(err, scoring.ErrInvalidScore):
		errorJSON(c, http.StatusInternalServerError, "invalid_score", err.Error())
	default:
		logging.L(c.Request.Context()).Error("score transaction failed", "error", err)
		errorJSON(c, http.StatusInternalServerError, "internal_error", "scoring failed")
	}
}

// decodeObject reads one JSON object, keeping numbers as json.Number so
// identifiers and features are coerced by the validator, not by encoding/json.
func decodeObject(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("null body")
	}
	return raw, nil
}

func (s *Server) modelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"kind":      s.engine.Kind(),
		"features":  s.engine.Schema().Names(),
		"threshold": s.pipeline.Threshold(),
	})
}

// -----------------------------------------------------------------------------
// Bulk path
// -----------------------------------------------------------------------------

var exportFormats = map[string]string{
	bulk.FormatCSV:  "text/csv; charset=utf-8",
	bulk.FormatXLSX: bulk.XLSXContentType,
}

// batchQuery holds the /v1/batches query parameters.
type batchQuery struct {
	export string // "", ViewScored or ViewFlagged
	format string
	top    int // flagged rows in the JSON response; -1 is all
}

func parseBatchQuery(c *gin.Context) (batchQuery, error) {
	q := batchQuery{
		export: c.Query("export"),
		format: c.DefaultQuery("format", bulk.FormatCSV),
		top:    -1,
	}
	switch q.export {
	case "", pipeline.ViewScored, pipeline.ViewFlagged:
	default:
		return q, fmt.Errorf("export must be %s or %s", pipeline.ViewScored, pipeline.ViewFlagged)
	}
	if _, ok := exportFormats[q.format]; !ok {
		return q, fmt.Errorf("format must be %s or %s", bulk.FormatCSV, bulk.FormatXLSX)
	}
	if v := c.Query("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("top must be a non-negative integer")
		}
		q.top = n
	}
	return q, nil
}

func (s *Server) scoreBatch(c *gin.Context) {
	q, err := parseBatchQuery(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	table, err := s.readTable(c)
	if err != nil {
		s.tableError(c, err)
		return
	}

	ctx := c.Request.Context()
	res, err := s.pipeline.ScoreBatch(ctx, table)
	if err != nil {
		s.tableError(c, err)
		return
	}

	s.realtimeHub.PublishBatch(realtime.BatchSummary{
		BatchID:        res.BatchID,
		Rows:           res.Counts.Rows,
		Flagged:        res.Counts.Flagged,
		AlertsRecorded: res.Counts.AlertsRecorded,
		AlertFailures:  res.Counts.AlertFailures,
	})

	c.Header("X-Batch-ID", res.BatchID)
	if q.export != "" {
		s.writeExport(c, res, q)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id":    res.BatchID,
		"checksum":    res.Checksum,
		"threshold":   res.Threshold,
		"counts":      res.Counts,
		"duration_ms": res.Duration.Milliseconds(),
		"rows":        res.Rows,
		"flagged":     res.Top(q.top),
	})
}

// readTable parses the upload: a multipart "file" field (CSV or XLSX by
// extension) or a JSON body {"rows": [...]}.
func (s *Server) readTable(c *gin.Context) (*bulk.Table, error) {
	switch c.ContentType() {
	case "multipart/form-data":
		fh, err := c.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: multipart field \"file\" is required", errBadUpload)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return bulk.Read(f, bulk.FormatFromName(fh.Filename), s.cfg.BulkMaxRows)

	case "application/json":
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		var req struct {
			Rows []map[string]any `json:"rows"`
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadUpload, err)
		}
		if req.Rows == nil {
			return nil, fmt.Errorf("%w: \"rows\" is required", errBadUpload)
		}
		return bulk.FromRows(req.Rows, bulk.Checksum(body), s.cfg.BulkMaxRows)

	default:
		return nil, errUnsupportedMedia
	}
}

var (
	errBadUpload        = errors.New("invalid upload")
	errUnsupportedMedia = errors.New("unsupported content type")
)

// tableError maps upload and batch rejections. None of them scored a row.
func (s *Server) tableError(c *gin.Context, err error) {
	var missing *pipeline.MissingColumnsError
	switch {
	case errors.As(err, &missing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "missing_columns",
			"message": err.Error(),
			"columns": missing.Columns,
		})
	case isTooLarge(err):
		errorJSON(c, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("upload exceeds %d bytes", s.cfg.BulkMaxUploadBytes))
	case errors.Is(err, pipeline.ErrBatchTooLarge), errors.Is(err, bulk.ErrTooManyRows):
		errorJSON(c, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
	case errors.Is(err, errUnsupportedMedia), errors.Is(err, bulk.ErrFormat):
		errorJSON(c, http.StatusUnsupportedMediaType, "unsupported_media_type",
			"upload a multipart file (.csv or .xlsx) or a JSON body with rows")
	case errors.Is(err, errBadUpload), errors.Is(err, bulk.ErrEmptyTable), errors.Is(err, bulk.ErrInvalidTable):
		errorJSON(c, http.StatusBadRequest, "invalid_table", err.Error())
	default:
		logging.L(c.Request.Context()).Error("batch failed", "error", err)
		errorJSON(c, http.StatusInternalServerError, "internal_error", "batch failed")
	}
}

func (s *Server) writeExport(c *gin.Context, res *pipeline.BatchResult, q batchQuery) {
	c.Header("Content-Type", exportFormats[q.format])
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", q.export+"."+q.format))
	c.Status(http.StatusOK)

	var err error
	if q.format == bulk.FormatXLSX {
		err = res.WriteXLSX(c.Writer, q.export)
	} else {
		err = res.WriteCSV(c.Writer, q.export)
	}
	if err != nil {
		// Headers are gone; all that is left is to log.
		logging.L(c.Request.Context()).Error("batch export failed",
			"batch_id", res.BatchID, "view", q.export, "error", err)
	}
}
