// Package handler provides the built-in activity processors.
package handler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

// Built-in activity types
const (
	ShellCommandType      = "ShellCommand"
	HTTPRequestType       = "HttpRequest"
	WebhookNoticeType     = "WebhookNotice"
	ActivityFailureType   = "ActivityFailure"
	ArchiveActivitiesType = "ArchiveActivities"
	ContainerRunType      = "ContainerRun"
)

// Duration is a time.Duration that decodes from either a Go duration string
// ("30s") or a number of nanoseconds
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// decode unmarshals the payload of a, abandoning malformed payloads since
// retrying them cannot succeed
func decode(a *model.Activity, v interface{}) (model.Outcome, bool) {
	if err := a.DecodePayload(v); err != nil {
		return model.Abandon(fmt.Sprintf("failed to unmarshal payload: %v", err)), false
	}
	return model.Outcome{}, true
}

// tail returns the last n bytes of output without surrounding whitespace
func tail(output []byte, n int) string {
	if len(output) > n {
		output = output[len(output)-n:]
	}
	return strings.TrimSpace(string(output))
}
