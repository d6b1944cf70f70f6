package sbi

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/model"
)

// errorEnvelope is the body of every non-2xx API response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
}

func writeJSON(responseWriter http.ResponseWriter, status int, payload any) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(status)

	if encodeError := json.NewEncoder(responseWriter).Encode(payload); encodeError != nil {
		logger.ServerLog.Errorf("failed to encode response: %v", encodeError)
	}
}

// writeError maps err onto an HTTP status. Errors that are not a
// *model.TrafficError are reported as 500 without their text.
func writeError(responseWriter http.ResponseWriter, err error) {
	var trafficError *model.TrafficError
	if errors.As(err, &trafficError) {
		if trafficError.HTTPStatus() >= http.StatusInternalServerError {
			logger.ServerLog.Warnf("request failed: %v", trafficError)
		}
		writeErrorBody(
			responseWriter,
			trafficError.HTTPStatus(),
			string(trafficError.Kind),
			trafficError.Message,
			trafficError.UpstreamStatus,
		)
		return
	}

	logger.ServerLog.Errorf("unexpected error: %v", err)
	writeErrorBody(responseWriter, http.StatusInternalServerError, "INTERNAL", "internal error", 0)
}

func writeErrorBody(responseWriter http.ResponseWriter, status int, code, message string, upstreamStatus int) {
	writeJSON(responseWriter, status, errorEnvelope{Error: errorBody{
		Code:           code,
		Message:        message,
		UpstreamStatus: upstreamStatus,
	}})
}

func writeRateLimited(responseWriter http.ResponseWriter) {
	responseWriter.Header().Set("Retry-After", "1")
	writeErrorBody(responseWriter, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, retry shortly", 0)
}

// writeTrafficCSV renders one row per day with its derived metrics. Moving
// averages that are not yet defined are left empty.
func writeTrafficCSV(responseWriter http.ResponseWriter, response *model.TrafficResponse) {
	responseWriter.Header().Set("Content-Type", "text/csv; charset=utf-8")
	responseWriter.Header().Set(
		"Content-Disposition",
		`attachment; filename="`+csvFileName(response)+`"`,
	)
	responseWriter.WriteHeader(http.StatusOK)

	csvWriter := csv.NewWriter(responseWriter)
	records := [][]string{{"date", "downloads", "ma3", "ma7", "is_outlier", "score"}}
	for index, row := range response.Series {
		record := []string{row.Date, strconv.FormatInt(row.Downloads, 10), "", "", "false", "0"}
		if index < len(response.Derived.MA3) {
			record[2] = formatOptional(response.Derived.MA3[index].Value)
		}
		if index < len(response.Derived.MA7) {
			record[3] = formatOptional(response.Derived.MA7[index].Value)
		}
		if index < len(response.Derived.Outliers) {
			outlier := response.Derived.Outliers[index]
			record[4] = strconv.FormatBool(outlier.IsOutlier)
			record[5] = strconv.FormatFloat(outlier.Score, 'f', -1, 64)
		}
		records = append(records, record)
	}

	if flushError := csvWriter.WriteAll(records); flushError != nil {
		logger.ServerLog.Errorf("failed to write CSV for package=%s: %v", response.Package, flushError)
	}
}

func formatOptional(value *float64) string {
	if value == nil {
		return ""
	}
	return strconv.FormatFloat(*value, 'f', -1, 64)
}

// csvFileName builds {package}-{days}d.csv with the scope separator replaced.
func csvFileName(response *model.TrafficResponse) string {
	safeName := make([]rune, 0, len(response.Package))
	for _, character := range response.Package {
		switch character {
		case '/', '@':
			safeName = append(safeName, '_')
		default:
			safeName = append(safeName, character)
		}
	}
	return string(safeName) + "-" + strconv.Itoa(response.Range.Days) + "d.csv"
}
