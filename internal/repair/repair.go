// Package repair talks to the external plan-repair service that rewrites a
// failed plan given the execution error.
package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is the repair service's answer for one failed attempt.
type Result struct {
	Success bool   `json:"success"`
	Plan    string `json:"plan,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Repairer asks an external service to fix a plan after a failed execution
// attempt. attempt is 1-based and counts the execution attempt that failed.
type Repairer interface {
	Repair(ctx context.Context, planJSON string, errType string, errMessage string, attempt int) (Result, error)
}

// HTTPRepairer is the default Repairer: a JSON POST against the repair
// service endpoint.
type HTTPRepairer struct {
	baseURL string
	client  *http.Client
}

type HTTPOptions struct {
	// BaseURL is the repair service base URL.
	BaseURL string
	// Timeout bounds one repair call. If <= 0, a default is used.
	Timeout time.Duration
}

func NewHTTP(opts HTTPOptions) (*HTTPRepairer, error) {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		return nil, errors.New("missing repair base url")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRepairer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type repairRequest struct {
	Plan         string `json:"plan"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Attempt      int    `json:"attempt"`
}

type repairEnvelope struct {
	Success bool   `json:"success"`
	Plan    string `json:"plan,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *HTTPRepairer) Repair(ctx context.Context, planJSON string, errType string, errMessage string, attempt int) (Result, error) {
	if r == nil || r.client == nil {
		return Result{}, errors.New("repairer not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	planJSON = strings.TrimSpace(planJSON)
	if planJSON == "" {
		return Result{}, errors.New("missing plan")
	}

	u, err := url.Parse(r.baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("invalid repair url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/plans/repair"
	u.RawQuery = ""

	body, err := json.Marshal(repairRequest{
		Plan:         planJSON,
		ErrorType:    strings.TrimSpace(errType),
		ErrorMessage: strings.TrimSpace(errMessage),
		Attempt:      attempt,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var env repairEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Result{}, fmt.Errorf("repair failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return Result{}, fmt.Errorf("invalid repair json: %w", err)
	}
	if !env.Success {
		msg := "repair declined"
		if env.Error != nil && strings.TrimSpace(env.Error.Message) != "" {
			msg = strings.TrimSpace(env.Error.Message)
		}
		return Result{Success: false, Error: msg}, nil
	}
	if strings.TrimSpace(env.Plan) == "" {
		return Result{}, errors.New("repair succeeded without a plan")
	}
	return Result{Success: true, Plan: strings.TrimSpace(env.Plan)}, nil
}
