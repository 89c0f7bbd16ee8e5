// Package astrometry is a client for the asynchronous plate-solving service
// (nova.astrometry.net API). It performs no retries: callers decide how to react
// to TransientError and PermanentError.
package astrometry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"astro-solver/internal/models"
)

const tracerName = "astro-solver/astrometry"

// Client is the solving-service surface used by the polling engine.
type Client interface {
	Authenticate(ctx context.Context) (string, error)
	Submit(ctx context.Context, session string, image []byte, filename string) (string, error)
	PollSubmission(ctx context.Context, submissionID string) (SubmissionStatus, error)
	FetchResult(ctx context.Context, externalJobID string) (models.SolveResult, error)
}

// SubmissionStatus is the resolved state of a submission.
// ExternalJobID is empty until the service assigns a job.
type SubmissionStatus struct {
	ExternalJobID string
	Terminal      bool
	Failed        bool
	Reason        string
}

// HTTPClient implements Client over the service's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	tracer  trace.Tracer
}

// NewHTTPClient creates a new solving-service client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		tracer:  otel.Tracer(tracerName),
	}
}

// Configured reports whether credentials are present.
func (c *HTTPClient) Configured() error {
	if c.baseURL == "" {
		return &ConfigurationError{Reason: "ASTROMETRY_URL is not set"}
	}
	if c.apiKey == "" {
		return &ConfigurationError{Reason: "ASTROMETRY_API_KEY is not set"}
	}
	return nil
}

type statusResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errormessage"`
}

func (s statusResponse) err(op string) error {
	if s.Status == "error" {
		return &PermanentError{Op: op, Err: fmt.Errorf("%w: %s", ErrRemote, s.ErrorMessage)}
	}
	return nil
}

type loginResponse struct {
	statusResponse
	Session string `json:"session"`
}

// Authenticate exchanges the API key for a session token.
func (c *HTTPClient) Authenticate(ctx context.Context) (session string, err error) {
	ctx, span := c.tracer.Start(ctx, "astrometry.login")
	defer func() { endSpan(span, err) }()

	if err := c.Configured(); err != nil {
		return "", err
	}
	reqJSON, err := json.Marshal(map[string]string{"apikey": c.apiKey})
	if err != nil {
		return "", fmt.Errorf("marshal login request: %w", err)
	}
	form := url.Values{"request-json": {string(reqJSON)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp loginResponse
	if err := c.do(req, "login", &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" || resp.Session == "" {
		return "", &PermanentError{Op: "login", Err: fmt.Errorf("%w: %s", ErrAuthFailed, resp.ErrorMessage)}
	}
	return resp.Session, nil
}

type uploadResponse struct {
	statusResponse
	SubID int64 `json:"subid"`
}

// Submit uploads image bytes and returns the submission id.
func (c *HTTPClient) Submit(ctx context.Context, session string, image []byte, filename string) (subID string, err error) {
	ctx, span := c.tracer.Start(ctx, "astrometry.upload",
		trace.WithAttributes(attribute.String("filename", filename), attribute.Int("bytes", len(image))))
	defer func() { endSpan(span, err) }()

	if err := c.Configured(); err != nil {
		return "", err
	}
	if session == "" {
		return "", &PermanentError{Op: "upload", Err: fmt.Errorf("%w: empty session", ErrAuthFailed)}
	}
	reqJSON, err := json.Marshal(map[string]string{
		"session":              session,
		"publicly_visible":     "n",
		"allow_modifications":  "n",
		"allow_commercial_use": "n",
	})
	if err != nil {
		return "", fmt.Errorf("marshal upload request: %w", err)
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("request-json", string(reqJSON)); err != nil {
		return "", fmt.Errorf("write request-json: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", body)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp uploadResponse
	if err := c.do(req, "upload", &resp); err != nil {
		return "", err
	}
	if err := resp.err("upload"); err != nil {
		return "", err
	}
	if resp.SubID <= 0 {
		return "", &PermanentError{Op: "upload", Err: fmt.Errorf("%w: missing subid", ErrInvalidResponse)}
	}
	return strconv.FormatInt(resp.SubID, 10), nil
}

type submissionResponse struct {
	ProcessingStarted  *string  `json:"processing_started"`
	ProcessingFinished *string  `json:"processing_finished"`
	Jobs               []*int64 `json:"jobs"`
}

func (s submissionResponse) finished() bool {
	return s.ProcessingFinished != nil && *s.ProcessingFinished != "" && *s.ProcessingFinished != "None"
}

type jobStatusResponse struct {
	Status string `json:"status"`
}

// PollSubmission resolves a submission to its job and the job's state.
// A submission without a job id is still processing; only an explicit null job entry on a finished
// submission, a job failure, or a 404 on an established job id resolve as failed.
func (c *HTTPClient) PollSubmission(ctx context.Context, submissionID string) (st SubmissionStatus, err error) {
	ctx, span := c.tracer.Start(ctx, "astrometry.poll_submission",
		trace.WithAttributes(attribute.String("submission_id", submissionID)))
	defer func() { endSpan(span, err) }()

	var sub submissionResponse
	if err := c.get(ctx, "submission", "/api/submissions/"+url.PathEscape(submissionID), &sub); err != nil {
		return SubmissionStatus{}, err
	}

	var jobID *int64
	for _, j := range sub.Jobs {
		if j != nil {
			jobID = j
			break
		}
	}
	if jobID == nil {
		if sub.finished() && len(sub.Jobs) > 0 {
			return SubmissionStatus{Terminal: true, Failed: true, Reason: "submission finished without a job"}, nil
		}
		return SubmissionStatus{}, nil
	}

	ext := strconv.FormatInt(*jobID, 10)
	span.SetAttributes(attribute.String("job_id", ext))
	var job jobStatusResponse
	if err := c.get(ctx, "job", "/api/jobs/"+ext, &job); err != nil {
		if IsNotFound(err) {
			return SubmissionStatus{ExternalJobID: ext, Terminal: true, Failed: true, Reason: "job not found"}, nil
		}
		return SubmissionStatus{ExternalJobID: ext}, err
	}
	switch job.Status {
	case "success":
		return SubmissionStatus{ExternalJobID: ext, Terminal: true}, nil
	case "failure":
		return SubmissionStatus{ExternalJobID: ext, Terminal: true, Failed: true, Reason: "solving failed"}, nil
	default:
		return SubmissionStatus{ExternalJobID: ext}, nil
	}
}

type calibrationResponse struct {
	RA           *float64 `json:"ra"`
	Dec          *float64 `json:"dec"`
	Radius       float64  `json:"radius"`
	PixelScale   float64  `json:"pixscale"`
	Orientation  float64  `json:"orientation"`
	Parity       float64  `json:"parity"`
	WidthArcsec  float64  `json:"width_arcsec"`
	HeightArcsec float64  `json:"height_arcsec"`
}

type annotationsResponse struct {
	Annotations []struct {
		Type   string   `json:"type"`
		Names  []string `json:"names"`
		PixelX float64  `json:"pixelx"`
		PixelY float64  `json:"pixely"`
		Radius float64  `json:"radius"`
	} `json:"annotations"`
}

type tagsResponse struct {
	Tags []string `json:"tags"`
}

// FetchResult loads calibration, annotations and machine tags of a successful job.
// Call it only after PollSubmission reported terminal success.
func (c *HTTPClient) FetchResult(ctx context.Context, externalJobID string) (res models.SolveResult, err error) {
	ctx, span := c.tracer.Start(ctx, "astrometry.fetch_result",
		trace.WithAttributes(attribute.String("job_id", externalJobID)))
	defer func() { endSpan(span, err) }()

	base := "/api/jobs/" + url.PathEscape(externalJobID)

	var cal calibrationResponse
	if err := c.get(ctx, "calibration", base+"/calibration/", &cal); err != nil {
		return models.SolveResult{}, err
	}
	calibration, err := cal.validate()
	if err != nil {
		return models.SolveResult{}, err
	}

	var ann annotationsResponse
	if err := c.get(ctx, "annotations", base+"/annotations/", &ann); err != nil {
		return models.SolveResult{}, err
	}
	var tags tagsResponse
	if err := c.get(ctx, "machine_tags", base+"/machine_tags/", &tags); err != nil {
		return models.SolveResult{}, err
	}

	res.Calibration = calibration
	res.MachineTags = tags.Tags
	for _, a := range ann.Annotations {
		res.Annotations = append(res.Annotations, models.Annotation{
			Type:   a.Type,
			Names:  a.Names,
			PixelX: a.PixelX,
			PixelY: a.PixelY,
			Radius: a.Radius,
		})
	}
	return res, nil
}

func (r calibrationResponse) validate() (*models.Calibration, error) {
	invalid := func(msg string) error {
		return &PermanentError{Op: "calibration", Err: fmt.Errorf("%w: %s", ErrInvalidResponse, msg)}
	}
	if r.RA == nil || r.Dec == nil {
		return nil, invalid("missing ra/dec")
	}
	ra, dec := *r.RA, *r.Dec
	if math.IsNaN(ra) || ra < 0 || ra >= 360 {
		return nil, invalid(fmt.Sprintf("ra out of range: %v", ra))
	}
	if math.IsNaN(dec) || dec < -90 || dec > 90 {
		return nil, invalid(fmt.Sprintf("dec out of range: %v", dec))
	}
	if r.Radius < 0 || r.PixelScale < 0 {
		return nil, invalid("negative radius or pixel scale")
	}
	return &models.Calibration{
		RA:           ra,
		Dec:          dec,
		Radius:       r.Radius,
		PixelScale:   r.PixelScale,
		Orientation:  r.Orientation,
		Parity:       r.Parity,
		WidthArcsec:  r.WidthArcsec,
		HeightArcsec: r.HeightArcsec,
	}, nil
}

func (c *HTTPClient) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, op, out)
}

func (c *HTTPClient) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classifyTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(op, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &PermanentError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("transient", IsTransient(err)))
	}
	span.End()
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
