package wafproxy

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// blockResponse is the JSON body of every WAF denial.
type blockResponse struct {
	Error   string `json:"error"`
	RuleID  int    `json:"rule_id,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// blockRequest answers 403 for a rule match and logs the verdict.
func (p *Pipeline) blockRequest(w http.ResponseWriter, r *http.Request, requestID string, res EvaluationResult) {
	p.metrics.incBlocked()
	p.logger.Warn("REQUEST BLOCKED BY WAF", append(requestFields(r, requestID, p.redact),
		zap.Int("rule_id", res.RuleID),
		zap.String("reason", res.Message),
		zap.String("variable", res.Variable),
		zap.String("fingerprint", res.Fingerprint),
		zap.Int("score", res.Score),
		zap.Int("status_code", http.StatusForbidden))...)

	if err := writeJSON(w, http.StatusForbidden, blockResponse{Error: "Forbidden", RuleID: res.RuleID, Message: res.Message}); err != nil {
		p.logger.Error("Failed to write blocked response", zap.Error(err))
	}
}

// denyRequest answers 403 for the IP and country gates.
func (p *Pipeline) denyRequest(w http.ResponseWriter, r *http.Request, requestID, stage, reason string) {
	p.logger.Warn("Request denied", append(requestFields(r, requestID, p.redact),
		zap.String("stage", stage),
		zap.String("reason", reason),
		zap.Int("status_code", http.StatusForbidden))...)

	if err := writeJSON(w, http.StatusForbidden, blockResponse{Error: "Forbidden", Message: reason}); err != nil {
		p.logger.Error("Failed to write denied response", zap.Error(err))
	}
}

// setRateLimitHeaders derives X-RateLimit-* from the limiter verdict.
func setRateLimitHeaders(h http.Header, res RateLimitResult) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

// rateLimitRequest answers 429 with Retry-After.
func (p *Pipeline) rateLimitRequest(w http.ResponseWriter, r *http.Request, requestID string, res RateLimitResult) {
	p.metrics.incRateLimited()
	until := res.ResetAt
	if res.BlockedUntil.After(until) {
		until = res.BlockedUntil
	}
	retry := int(math.Ceil(time.Until(until).Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))

	p.logger.Warn("Rate limit exceeded", append(requestFields(r, requestID, p.redact),
		zap.Int("limit", res.Limit),
		zap.Time("reset_at", res.ResetAt),
		zap.Time("blocked_until", res.BlockedUntil))...)

	if err := writeJSON(w, http.StatusTooManyRequests, blockResponse{Error: "Too Many Requests", Message: "rate limit exceeded"}); err != nil {
		p.logger.Error("Failed to write rate limit response", zap.Error(err))
	}
}

// responseRecorder passes the response through and remembers the status
// code and size for logging.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

// NewResponseRecorder creates a new responseRecorder.
func NewResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

// WriteHeader captures the response status code.
func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.statusCode == 0 {
		r.statusCode = statusCode
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

// StatusCode returns the captured status code.
func (r *responseRecorder) StatusCode() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

// Size is the number of body bytes written.
func (r *responseRecorder) Size() int64 { return r.size }

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
