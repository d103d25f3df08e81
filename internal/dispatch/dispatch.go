// Package dispatch requests responders from the HawkEye dispatch gateway.
//
// Without an API key the client runs in stub mode: it fabricates a local
// reference and never performs I/O, so development deployments still
// exercise the whole alert lifecycle.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/carecompanion/sosd/internal/emergency"
)

const (
	// DefaultTimeout bounds one gateway request.
	DefaultTimeout = 10 * time.Second

	stubETAMinutes = 8
	stubUnit       = "Patrol Unit 42"
	refLayout      = "20060102150405"
	maxErrBody     = 512
)

// Error is a failed dispatch attempt. It matches emergency.ErrDispatch.
type Error struct {
	StatusCode int
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("dispatch: gateway returned %d: %s", e.StatusCode, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("dispatch: %s: %v", e.Msg, e.Err)
	default:
		return "dispatch: " + e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches emergency.ErrDispatch.
func (e *Error) Is(target error) bool { return target == emergency.ErrDispatch }

// Options configures the client.
type Options struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Logger  log.Logger
}

// Client talks to the dispatch gateway.
type Client struct {
	url    string
	apiKey string
	client *http.Client
	logger log.Logger
	now    func() time.Time
}

// New creates a dispatch client. An empty APIKey selects stub mode.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Client{
		url:    opts.URL,
		apiKey: opts.APIKey,
		client: &http.Client{Timeout: opts.Timeout},
		logger: opts.Logger,
		now:    time.Now,
	}
}

// Stub reports whether the client fabricates results locally.
func (c *Client) Stub() bool { return c.apiKey == "" }

// Dispatch sends one incident to the gateway.
func (c *Client) Dispatch(ctx context.Context, req *emergency.DispatchRequest) (*emergency.DispatchResult, error) {
	if c.Stub() {
		res := &emergency.DispatchResult{
			Reference:    "HE-" + c.now().UTC().Format(refLayout),
			ETAMinutes:   stubETAMinutes,
			AssignedUnit: stubUnit,
			Stub:         true,
		}
		c.logger.Info(ctx, "dispatch gateway not configured, using stub",
			"alert_id", req.AlertID,
			"dispatch_ref", res.Reference,
		)
		return res, nil
	}

	body, err := json.Marshal(buildIncident(req))
	if err != nil {
		return nil, &Error{Msg: "marshal incident", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Msg: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(httpReq) //nolint:gosec // G704: gateway URL is from trusted config
	if err != nil {
		return nil, &Error{Msg: "send request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &Error{StatusCode: resp.StatusCode, Msg: string(respBody)}
	}

	var out emergency.DispatchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Msg: "decode response", Err: err}
	}
	if out.Reference == "" {
		return nil, &Error{Msg: "response has no dispatch_ref"}
	}
	return &out, nil
}

type incident struct {
	IncidentType string     `json:"incident_type"`
	CallerName   string     `json:"caller_name"`
	CallerPhone  string     `json:"caller_phone"`
	Location     location   `json:"location"`
	HealthInfo   healthInfo `json:"health_info"`
	Priority     string     `json:"priority"`
}

type location struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
}

type healthInfo struct {
	Summary     string                  `json:"summary"`
	Medications []emergency.SnapshotMed `json:"medications"`
	Conditions  []string                `json:"conditions"`
	VitalsLast  emergency.LatestVitals  `json:"vitals_last"`
}

func buildIncident(req *emergency.DispatchRequest) incident {
	in := incident{
		IncidentType: "MEDICAL_EMERGENCY",
		CallerName:   req.SubjectName,
		CallerPhone:  req.Phone,
		Location: location{
			Latitude:  req.Location.Latitude,
			Longitude: req.Location.Longitude,
			Address:   req.Location.Address,
		},
		HealthInfo: healthInfo{
			Medications: []emergency.SnapshotMed{},
			Conditions:  []string{},
		},
		Priority: "HIGH",
	}
	if s := req.Snapshot; s != nil {
		in.HealthInfo.Summary = s.Summary
		in.HealthInfo.VitalsLast = s.LatestVitals
		if s.CurrentMedications != nil {
			in.HealthInfo.Medications = s.CurrentMedications
		}
		if s.MedicalConditions != nil {
			in.HealthInfo.Conditions = s.MedicalConditions
		}
	}
	return in
}
