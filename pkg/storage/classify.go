package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/stratoform/cartograph/pkg/model"
)

// classify maps an SDK failure onto the error taxonomy so the retry policy
// upstream treats blob faults the same way as every other fault.
func classify(err error, code, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.WrapError(model.KindCancelled, code, err, "%s", msg)
	}
	var canceled *smithy.CanceledError
	if errors.As(err, &canceled) {
		return model.WrapError(model.KindCancelled, code, err, "%s", msg)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return model.WrapError(model.KindNotFound, code, err, "%s", msg)
		case "Throttling", "ThrottlingException", "RequestLimitExceeded",
			"SlowDown", "TooManyRequestsException", "RequestTimeout",
			"ServiceUnavailable", "InternalError":
			return model.WrapError(model.KindTransient, code, err, "%s", msg)
		}
		if hasPrefixFold(apiErr.ErrorCode(), "Throttl") {
			return model.WrapError(model.KindTransient, code, err, "%s", msg)
		}
	}
	return model.WrapError(model.KindPermanent, code, err, "%s", msg)
}

// hasPrefixFold reports a case-insensitive prefix match without allocating.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
