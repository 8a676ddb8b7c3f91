// Package content is the port to the content-ownership/eligibility service.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/observability"
)

// Verdict is the validator's answer for one (contentRef, actor) pair.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Validator decides whether actor may enter contentRef into a battle.
type Validator interface {
	Validate(ctx context.Context, contentRef, actor string) (Verdict, error)
}

// ErrIneligible is returned by Require for an invalid verdict.
var ErrIneligible = apperr.New(apperr.KindValidation, "content_ineligible", "content is not eligible")

// Require turns a negative verdict into ErrIneligible and a transport
// failure into a dependency error.
func Require(ctx context.Context, v Validator, contentRef, actor string) error {
	verdict, err := v.Validate(ctx, contentRef, actor)
	if err != nil {
		if _, typed := apperr.As(err); typed {
			return err
		}
		return apperr.Dependency("content_validator", err)
	}
	if !verdict.Valid {
		reason := verdict.Reason
		if reason == "" {
			reason = "content is not eligible"
		}
		return ErrIneligible.WithReason("%s", reason)
	}
	return nil
}

// HTTPValidator calls GET {base}/v1/validate?content=..&actor=..
type HTTPValidator struct {
	base    string
	http    *http.Client
	metrics *observability.Metrics
}

func NewHTTPValidator(baseURL string, timeout time.Duration, metrics *observability.Metrics) *HTTPValidator {
	return &HTTPValidator{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, contentRef, actor string) (Verdict, error) {
	start := time.Now()
	verdict, err := v.call(ctx, contentRef, actor)
	if v.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		v.metrics.ExternalCalls.WithLabelValues("content_validator", result).Inc()
		v.metrics.ExternalDuration.WithLabelValues("content_validator").Observe(time.Since(start).Seconds())
	}
	return verdict, err
}

func (v *HTTPValidator) call(ctx context.Context, contentRef, actor string) (Verdict, error) {
	q := url.Values{"content": {contentRef}, "actor": {actor}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.base+"/v1/validate?"+q.Encode(), nil)
	if err != nil {
		return Verdict{}, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("validate: status %d", resp.StatusCode)
	}
	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return verdict, nil
}
