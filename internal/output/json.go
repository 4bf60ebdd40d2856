package output

import (
	"encoding/json"
)

// JSONFormatter renders listings as JSON arrays.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) FormatDeployments(rows []DeploymentRow) (string, error) {
	return f.marshal(nonNil(rows))
}

func (f *JSONFormatter) FormatRecordings(rows []RecordingRow) (string, error) {
	return f.marshal(nonNil(rows))
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// nonNil keeps empty listings rendering as [] rather than null.
func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
