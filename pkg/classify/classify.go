/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package classify maps the raw result of an HTTP attempt to an outcome and
// classification tag. The mapping is total and deterministic: every
// (error, status) pair resolves to exactly one verdict.
package classify

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"

	"github.com/hookway/hookway/pkg/apis/core"
)

// Result is the classifier's verdict for one attempt.
type Result struct {
	Outcome        core.AttemptOutcome
	Classification core.Classification
}

// Response classifies a completed or failed HTTP attempt. transportErr is any
// error raised before a status line was read; status is the HTTP status code,
// or 0 when no response was received.
//
// Redirects are never followed, so 3xx is permanent like other client errors.
func Response(transportErr error, status int) Result {
	if transportErr != nil {
		return classifyTransportError(transportErr)
	}
	switch {
	case status == 0:
		return Result{core.OutcomeRetryableFailure, core.ClassificationOther}
	case status >= 200 && status < 300:
		return Result{Outcome: core.OutcomeSuccess}
	case status == 429:
		return Result{core.OutcomeRetryableFailure, core.ClassificationRateLimited}
	case status == 408:
		return Result{core.OutcomeRetryableFailure, core.ClassificationTimeout}
	case status >= 500 && status < 600:
		return Result{core.OutcomeRetryableFailure, core.ClassificationHTTP5xxRetryable}
	case status >= 300 && status < 500:
		return Result{core.OutcomeNonRetryableFailure, core.ClassificationHTTP4xxPermanent}
	default:
		return Result{core.OutcomeRetryableFailure, core.ClassificationOther}
	}
}

func classifyTransportError(err error) Result {
	// Typed checks first; message sniffing is the fallback for wrapped
	// transport errors that lose their concrete type.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Result{core.OutcomeRetryableFailure, core.ClassificationDNSError}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return Result{core.OutcomeRetryableFailure, core.ClassificationTLSError}
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return Result{core.OutcomeRetryableFailure, core.ClassificationTLSError}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{core.OutcomeRetryableFailure, core.ClassificationTimeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{core.OutcomeRetryableFailure, core.ClassificationTimeout}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return Result{core.OutcomeRetryableFailure, core.ClassificationTimeout}
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return Result{core.OutcomeRetryableFailure, core.ClassificationDNSError}
	case strings.Contains(msg, "tls") || strings.Contains(msg, "ssl") || strings.Contains(msg, "x509") || strings.Contains(msg, "certificate"):
		return Result{core.OutcomeRetryableFailure, core.ClassificationTLSError}
	default:
		return Result{core.OutcomeRetryableFailure, core.ClassificationNetworkError}
	}
}
