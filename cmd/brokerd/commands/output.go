package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/broker/pkg/engine"
)

// printResult writes v as JSON with --json and as YAML otherwise. YAML goes
// through the JSON encoding so both outputs share field names.
func printResult(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if jsonOutput {
		fmt.Println(string(data))
		return nil
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

// parseAttributes turns key=value pairs into attributes. Values are decoded
// as YAML scalars so numbers and booleans keep their type.
func parseAttributes(pairs []string) (engine.Attributes, error) {
	attrs := engine.Attributes{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", pair)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		attrs[key] = value
	}
	return attrs, nil
}

// readAttributesFile loads attributes from a YAML or JSON file.
func readAttributesFile(path string) (engine.Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes: %w", err)
	}
	attrs := engine.Attributes{}
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to parse attributes %s: %w", path, err)
	}
	return attrs, nil
}

// parseEndDate accepts RFC 3339 timestamps and plain dates. A plain date
// ends at midnight UTC.
func parseEndDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid end date %q, expected YYYY-MM-DD or RFC 3339", s)
}
