package host

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

	"github.com/pagemark/pagemark-agent/internal/docid"
)

// HTTPBridge talks to a document-host automation endpoint over local HTTP.
// The bridge process lives next to the host application and translates these
// calls into UNO/apps-script/COM automation, whichever the host speaks.
type HTTPBridge struct {
	baseURL string
	client  *http.Client
}

type HTTPOptions struct {
	// BaseURL is the bridge base URL.
	BaseURL string
	// Timeout bounds one bridge call. Plan execution can be slow on large
	// documents; if <= 0, a generous default is used.
	Timeout time.Duration
}

func NewHTTPBridge(opts HTTPOptions) (*HTTPBridge, error) {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		return nil, errors.New("missing host base url")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPBridge{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type activateRequest struct {
	Identity docid.Identity `json:"identity"`
}

type activateEnvelope struct {
	Success bool `json:"success"`
	Active  bool `json:"active"`
	Error   *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

func (b *HTTPBridge) Activate(ctx context.Context, identity docid.Identity) (bool, error) {
	var env activateEnvelope
	if err := b.call(ctx, http.MethodPost, "/api/v1/documents/activate", activateRequest{Identity: identity}, &env); err != nil {
		return false, err
	}
	if !env.Success {
		return false, errors.New(envelopeError(env.Error, "activate declined"))
	}
	return env.Active, nil
}

type execRequest struct {
	Plan string `json:"plan"`
}

type execEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

func (b *HTTPBridge) ExecutePlan(ctx context.Context, planJSON string) (ExecResult, error) {
	planJSON = strings.TrimSpace(planJSON)
	if planJSON == "" {
		return ExecResult{}, errors.New("missing plan")
	}
	var env execEnvelope
	if err := b.call(ctx, http.MethodPost, "/api/v1/plans/execute", execRequest{Plan: planJSON}, &env); err != nil {
		return ExecResult{}, err
	}
	// A failed execution is a result, not a transport error: the caller
	// decides whether to repair and retry.
	msg := env.Message
	if !env.Success && strings.TrimSpace(msg) == "" {
		msg = envelopeError(env.Error, "plan execution failed")
	}
	return ExecResult{Success: env.Success, Message: msg}, nil
}

type openDocumentsEnvelope struct {
	Success   bool             `json:"success"`
	Documents []docid.Identity `json:"documents"`
	Error     *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

func (b *HTTPBridge) OpenDocuments(ctx context.Context) ([]docid.Identity, error) {
	var env openDocumentsEnvelope
	if err := b.call(ctx, http.MethodGet, "/api/v1/documents", nil, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, errors.New(envelopeError(env.Error, "open documents query declined"))
	}
	return env.Documents, nil
}

func (b *HTTPBridge) call(ctx context.Context, method string, path string, in any, out any) error {
	if b == nil || b.client == nil {
		return errors.New("host bridge not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	u, err := url.Parse(b.baseURL)
	if err != nil {
		return fmt.Errorf("invalid host url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("host call failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("invalid host response json: %w", err)
	}
	return nil
}

func envelopeError(e *struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}, fallback string) string {
	if e != nil && strings.TrimSpace(e.Message) != "" {
		return strings.TrimSpace(e.Message)
	}
	return fallback
}
