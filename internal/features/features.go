// Package features derives the fixed-length numeric vector the threat
// model scores. The length and ordering of the vector are part of the
// model contract: changing either requires a coordinated model-version
// bump, so both are frozen here as constants.
package features

import (
	"encoding/json"
	"strings"
	"time"
)

// Size is the length of the feature vector.
const Size = 18

// Names lists the features in wire order. Index i of a Vector is the
// value of Names[i].
var Names = [Size]string{
	"has_error",
	"is_root",
	"is_iam_user",
	"is_assumed_role",
	"is_read",
	"is_write",
	"is_delete",
	"hour_of_day",
	"day_of_week",
	"is_weekend",
	"is_iam",
	"is_ec2",
	"is_s3",
	"is_lambda",
	"is_kms",
	"is_internal_ip",
	"is_aws_service",
	"request_param_count",
}

// Defaults applied when the event timestamp is missing or unparseable.
const (
	DefaultHourOfDay = 12
	DefaultDayOfWeek = 2
)

// Vector is a fixed-order feature array. It marshals to a plain JSON
// number array, which is the request format of the scoring boundary.
type Vector [Size]float64

// MarshalJSON encodes the vector as a flat JSON array.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal([Size]float64(v))
}

// rawEvent is the subset of audit-log payload fields the extractor
// reads. Unknown fields are ignored; missing fields fall back to zero
// values, so a sparse or empty payload still yields a valid vector.
type rawEvent struct {
	EventName    string          `json:"eventName"`
	EventSource  string          `json:"eventSource"`
	EventTime    string          `json:"eventTime"`
	SourceIP     string          `json:"sourceIPAddress"`
	ErrorCode    string          `json:"errorCode"`
	UserIdentity struct {
		Type string `json:"type"`
	} `json:"userIdentity"`
	RequestParameters map[string]json.RawMessage `json:"requestParameters"`
}

var (
	readPrefixes   = []string{"Get", "List", "Describe"}
	writePrefixes  = []string{"Put", "Create", "Update", "Modify"}
	deletePrefixes = []string{"Delete", "Remove", "Terminate"}
)

// Extract derives the feature vector from a raw event payload. It is
// pure and never fails: malformed or missing sub-fields degrade to the
// documented defaults so scoring can proceed.
func Extract(raw json.RawMessage) Vector {
	var ev rawEvent
	// A payload that fails to decode entirely behaves like an empty one.
	_ = json.Unmarshal(raw, &ev)

	var v Vector

	if ev.ErrorCode != "" {
		v[0] = 1
	}

	switch ev.UserIdentity.Type {
	case "Root":
		v[1] = 1
	case "IAMUser":
		v[2] = 1
	case "AssumedRole":
		v[3] = 1
	}

	v[4] = boolFeature(hasPrefix(ev.EventName, readPrefixes))
	v[5] = boolFeature(hasPrefix(ev.EventName, writePrefixes))
	v[6] = boolFeature(hasPrefix(ev.EventName, deletePrefixes))

	hour, weekday, weekend := timeFeatures(ev.EventTime)
	v[7] = float64(hour)
	v[8] = float64(weekday)
	v[9] = boolFeature(weekend)

	service := strings.TrimSuffix(ev.EventSource, ".amazonaws.com")
	switch service {
	case "iam":
		v[10] = 1
	case "ec2":
		v[11] = 1
	case "s3":
		v[12] = 1
	case "lambda":
		v[13] = 1
	case "kms":
		v[14] = 1
	}

	if strings.HasPrefix(ev.SourceIP, "10.") ||
		strings.HasPrefix(ev.SourceIP, "172.") ||
		strings.HasPrefix(ev.SourceIP, "192.168.") {
		v[15] = 1
	}
	if strings.Contains(ev.SourceIP, ".amazonaws.com") {
		v[16] = 1
	}

	v[17] = float64(len(ev.RequestParameters))

	return v
}

// timeFeatures parses the event time and returns hour-of-day,
// day-of-week (0=Monday) and a weekend flag, with fixed midday/midweek
// defaults when the timestamp is absent or unparseable.
func timeFeatures(eventTime string) (hour, weekday int, weekend bool) {
	t, err := time.Parse(time.RFC3339, eventTime)
	if err != nil {
		return DefaultHourOfDay, DefaultDayOfWeek, false
	}
	// time.Weekday is 0=Sunday; the model was trained on 0=Monday.
	wd := (int(t.Weekday()) + 6) % 7
	return t.Hour(), wd, wd >= 5
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
