package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/ncecere/scrapesched/models"
	"github.com/ncecere/scrapesched/pkg/tracing"
)

const (
	// Hard per-call timeouts. Scrape, crawl and batch calls share the long
	// budget; map is a lighter endpoint.
	scrapeCallTimeout = 300 * time.Second
	mapCallTimeout    = 120 * time.Second

	defaultPollInterval    = 5 * time.Second
	defaultMaxPollAttempts = 120

	// Remote error bodies are truncated to this many bytes in messages.
	errorBodyLimit = 512
)

// Runner translates a scheduled job into outbound HTTP calls against the
// remote scraping service, polling async jobs to completion. It carries no
// persistence concerns; the Scheduler wraps it with run bookkeeping.
type Runner struct {
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger

	// Overridable in tests.
	pollInterval    time.Duration
	maxPollAttempts int
}

// NewRunner creates a Runner. Outbound calls are paced by a small limiter
// so a burst of schedules firing together does not hammer the remote.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		client:          &http.Client{},
		limiter:         rate.NewLimiter(rate.Limit(10), 10),
		log:             log,
		pollInterval:    defaultPollInterval,
		maxPollAttempts: defaultMaxPollAttempts,
	}
}

// remoteResponse is the permissive shape of remote response bodies. Remote
// payloads carry extra fields freely; only these drive control flow.
type remoteResponse struct {
	Success *bool           `json:"success"`
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Links   json.RawMessage `json:"links"`
	Error   string          `json:"error"`
}

// Execute performs the outbound operation for the given job and returns the
// terminal result payload. Errors are typed (RunError) for remote and
// timeout failures; cancellation of ctx aborts in-flight HTTP and polling.
func (r *Runner) Execute(ctx context.Context, job *models.ScheduledJob) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("job.%s.execute", job.JobType),
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.String("job.endpoint", job.APIEndpoint))
	defer span.End()

	var (
		result json.RawMessage
		err    error
	)
	switch job.JobType {
	case models.JobTypeScrape:
		result, err = r.executeScrape(ctx, job)
	case models.JobTypeCrawl:
		result, err = r.executeCrawl(ctx, job)
	case models.JobTypeMap:
		result, err = r.executeMap(ctx, job)
	case models.JobTypeBatch:
		result, err = r.executeBatch(ctx, job)
	default:
		err = fmt.Errorf("unknown job type: %s", job.JobType)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return result, nil
}

func (r *Runner) executeScrape(ctx context.Context, job *models.ScheduledJob) (json.RawMessage, error) {
	payload := map[string]any{"url": job.URL}
	mergeScrapeOptions(payload, job.JobConfig)

	raw, err := r.post(ctx, job.APIEndpoint+"/v1/scrape", payload, scrapeCallTimeout)
	if err != nil {
		return nil, err
	}
	return dataOrBody(raw), nil
}

func (r *Runner) executeCrawl(ctx context.Context, job *models.ScheduledJob) (json.RawMessage, error) {
	payload := map[string]any{"url": job.URL}
	if job.JobConfig.Limit != nil {
		payload["limit"] = *job.JobConfig.Limit
	}
	if opts := scrapeOptions(job.JobConfig); len(opts) > 0 {
		payload["scrapeOptions"] = opts
	}

	raw, err := r.post(ctx, job.APIEndpoint+"/v1/crawl", payload, scrapeCallTimeout)
	if err != nil {
		return nil, err
	}

	var resp remoteResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ID != "" {
		return r.poll(ctx, job.APIEndpoint+"/v1/crawl/"+resp.ID)
	}
	return dataOrBody(raw), nil
}

func (r *Runner) executeMap(ctx context.Context, job *models.ScheduledJob) (json.RawMessage, error) {
	payload := map[string]any{"url": job.URL}

	raw, err := r.post(ctx, job.APIEndpoint+"/v1/map", payload, mapCallTimeout)
	if err != nil {
		return nil, err
	}

	var resp remoteResponse
	if err := json.Unmarshal(raw, &resp); err == nil {
		if resp.Links != nil {
			return resp.Links, nil
		}
		if resp.Data != nil {
			return resp.Data, nil
		}
	}
	return raw, nil
}

func (r *Runner) executeBatch(ctx context.Context, job *models.ScheduledJob) (json.RawMessage, error) {
	payload := map[string]any{"urls": job.URLs}
	mergeScrapeOptions(payload, job.JobConfig)

	raw, err := r.post(ctx, job.APIEndpoint+"/v1/batch/scrape", payload, scrapeCallTimeout)
	if err != nil {
		return nil, err
	}

	var resp remoteResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ID != "" {
		return r.poll(ctx, job.APIEndpoint+"/v1/batch/scrape/"+resp.ID)
	}
	return dataOrBody(raw), nil
}

// poll fetches the remote job's status every pollInterval until it reaches
// a terminal state or the attempt budget runs out.
func (r *Runner) poll(ctx context.Context, statusURL string) (json.RawMessage, error) {
	for attempt := 1; attempt <= r.maxPollAttempts; attempt++ {
		raw, err := r.get(ctx, statusURL, scrapeCallTimeout)
		if err != nil {
			return nil, err
		}

		var resp remoteResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, newRunError(KindRemoteError, "unparseable status body: %s", truncate(raw, errorBodyLimit))
		}

		switch resp.Status {
		case "completed":
			if resp.Data != nil {
				return resp.Data, nil
			}
			return raw, nil
		case "failed":
			return nil, newRunError(KindRemoteError, "remote job failed: %s", resp.Error)
		}

		r.log.Debug("remote job still pending", "url", statusURL, "status", resp.Status, "attempt", attempt)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}

	return nil, newRunError(KindPollTimeout, "remote job did not complete within %d poll attempts", r.maxPollAttempts)
}

func (r *Runner) post(ctx context.Context, url string, payload any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	return r.do(ctx, http.MethodPost, url, bytes.NewReader(body), timeout)
}

func (r *Runner) get(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, error) {
	return r.do(ctx, http.MethodGet, url, nil, timeout)
}

func (r *Runner) do(ctx context.Context, method, url string, body io.Reader, timeout time.Duration) (json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "http.client.remote",
		attribute.String("http.method", method),
		attribute.String("http.url", url))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		tracing.RecordError(ctx, err)
		if parent.Err() != nil {
			// Cancellation came from above (scheduler shutdown), not the
			// per-call deadline.
			return nil, parent.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newRunError(KindLocalTimeout, "%s %s exceeded %s", method, url, timeout)
		}
		return nil, newRunError(KindRemoteUnavailable, "%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newRunError(KindLocalTimeout, "%s %s exceeded %s", method, url, timeout)
		}
		return nil, newRunError(KindRemoteUnavailable, "%s %s: reading body: %v", method, url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp.StatusCode, data)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return data, nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(code int, body []byte) *RunError {
	msg := fmt.Sprintf("remote returned %d %s: %s", code, http.StatusText(code), truncate(body, errorBodyLimit))
	switch {
	case code == http.StatusRequestTimeout:
		return &RunError{Kind: KindRemoteTimeout, Message: msg}
	case code == http.StatusTooManyRequests:
		return &RunError{Kind: KindRemoteRateLimited, Message: msg}
	case code >= 500:
		return &RunError{Kind: KindRemoteUnavailable, Message: msg}
	default:
		return &RunError{Kind: KindRemoteError, Message: msg}
	}
}

// scrapeOptions projects the job config onto the remote's scrapeOptions
// shape. Only fields the user set are forwarded; the remote applies its own
// defaults for the rest. Durations convert from seconds to milliseconds.
func scrapeOptions(cfg models.JobConfig) map[string]any {
	opts := map[string]any{}
	if len(cfg.Formats) > 0 {
		opts["formats"] = cfg.Formats
	}
	if cfg.OnlyMainContent != nil {
		opts["onlyMainContent"] = *cfg.OnlyMainContent
	}
	if len(cfg.IncludeTags) > 0 {
		opts["includeTags"] = cfg.IncludeTags
	}
	if len(cfg.ExcludeTags) > 0 {
		opts["excludeTags"] = cfg.ExcludeTags
	}
	if cfg.WaitFor != nil {
		opts["waitFor"] = *cfg.WaitFor * 1000
	}
	if cfg.Timeout != nil {
		opts["timeout"] = *cfg.Timeout * 1000
	}
	return opts
}

func mergeScrapeOptions(payload map[string]any, cfg models.JobConfig) {
	for k, v := range scrapeOptions(cfg) {
		payload[k] = v
	}
}

// dataOrBody returns the body's data field when present, otherwise the body
// itself.
func dataOrBody(raw json.RawMessage) json.RawMessage {
	var resp remoteResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Data != nil {
		return resp.Data
	}
	return raw
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
