package xerrors

import (
	"context"
	"errors"
	"net"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

var retryableCodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"ThrottledException":                     {},
	"RequestThrottledException":              {},
	"TooManyRequestsException":               {},
	"SlowDown":                               {},
	"RequestTimeout":                         {},
	"RequestTimeoutException":                {},
	"InternalError":                          {},
	"ServiceUnavailable":                     {},
	"TooManyInvalidationsInProgress":         {},
	"PriorRequestNotComplete":                {},
	"ConcurrentModification":                 {},
	"OperationAbortedException":              {},
	"ProvisionedThroughputExceededException": {},
}

// IsTransient reports whether err is worth retrying. Classified errors keep
// their classification; AWS API errors are judged by code and HTTP status;
// net timeouts and per-attempt deadlines are transient. Caller cancellation
// never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if k := KindOf(err); k != KindUnknown {
		return k == KindTransient
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		if code := re.HTTPStatusCode(); code == 429 || code >= 500 {
			return true
		}
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		if _, ok := retryableCodes[ae.ErrorCode()]; ok {
			return true
		}
		return ae.ErrorFault() == smithy.FaultServer
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
