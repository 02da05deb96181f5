package miniostore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

const visibilityStatementID = "IronCabinetPublicObjects"

type policyDocument struct {
	Version   string           `json:"Version"`
	Statement []map[string]any `json:"Statement"`
}

func visibilityStatement(bucket string) map[string]any {
	return map[string]any{
		"Sid":       visibilityStatementID,
		"Effect":    "Allow",
		"Principal": map[string]any{"AWS": []any{"*"}},
		"Action":    []any{"s3:GetObject"},
		"Resource":  []any{"arn:aws:s3:::" + bucket + "/*"},
		"Condition": map[string]any{
			"StringEquals": map[string]any{
				"s3:ExistingObjectTag/" + visibilityTag: []any{publicValue},
			},
		},
	}
}

// mergeVisibilityPolicy adds the anonymous read statement for tagged objects
// to an existing bucket policy, keeping every other statement.
func mergeVisibilityPolicy(current, bucket string) (string, bool, error) {
	doc := policyDocument{Version: "2012-10-17"}
	if strings.TrimSpace(current) != "" {
		if err := json.Unmarshal([]byte(current), &doc); err != nil {
			return "", false, fmt.Errorf("parse bucket policy: %w", err)
		}
	}

	want := visibilityStatement(bucket)
	statements := make([]map[string]any, 0, len(doc.Statement)+1)
	for _, st := range doc.Statement {
		if st["Sid"] == visibilityStatementID {
			if reflect.DeepEqual(normalize(st), normalize(want)) {
				return current, false, nil
			}
			continue
		}
		statements = append(statements, st)
	}
	doc.Statement = append(statements, want)

	out, err := json.Marshal(doc)
	if err != nil {
		return "", false, err
	}
	return string(out), true, nil
}

// normalize round-trips a statement through JSON so typed and decoded values compare equal.
func normalize(st map[string]any) map[string]any {
	b, _ := json.Marshal(st)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}
