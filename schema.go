package veritas

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/veritas/types"
)

// Schema versions the runner accepts: any 1.x file up to MaxSchemaMinor.
const (
	SchemaMajor    = 1
	MaxSchemaMinor = 22
)

// ScenarioFile is a parsed scenario document.
type ScenarioFile struct {
	Description       string           `bson:"description"`
	SchemaVersion     string           `bson:"schemaVersion"`
	RunOnRequirements []bson.Raw       `bson:"runOnRequirements"`
	CreateEntities    []bson.Raw       `bson:"createEntities"`
	InitialData       []CollectionData `bson:"initialData"`
	Tests             []TestCase       `bson:"tests"`
}

// CollectionData names a collection and the documents it must hold, used
// by both initialData and outcome sections.
type CollectionData struct {
	DatabaseName   string     `bson:"databaseName"`
	CollectionName string     `bson:"collectionName"`
	CreateOptions  bson.Raw   `bson:"createOptions"`
	Documents      []bson.Raw `bson:"documents"`
}

// TestCase is one test within a scenario file.
type TestCase struct {
	Description       string             `bson:"description"`
	RunOnRequirements []bson.Raw         `bson:"runOnRequirements"`
	SkipReason        string             `bson:"skipReason"`
	Operations        []Operation        `bson:"operations"`
	ExpectEvents      []EventExpectation `bson:"expectEvents"`
	ExpectLogMessages []LogExpectation   `bson:"expectLogMessages"`
	Outcome           []CollectionData   `bson:"outcome"`
}

// Operation is a single scenario operation with its expectations.
type Operation struct {
	Name                 string        `bson:"name"`
	Object               string        `bson:"object"`
	Arguments            bson.Raw      `bson:"arguments"`
	ExpectResult         bson.RawValue `bson:"expectResult"`
	ExpectError          bson.Raw      `bson:"expectError"`
	SaveResultAsEntity   string        `bson:"saveResultAsEntity"`
	IgnoreResultAndError bool          `bson:"ignoreResultAndError"`
}

// HasExpectResult reports whether the operation carries an expectResult,
// distinguishing an absent expectation from an explicit null.
func (op *Operation) HasExpectResult() bool {
	return op.ExpectResult.Type != 0 || len(op.ExpectResult.Value) > 0
}

// EventExpectation is one client's expected event stream.
type EventExpectation struct {
	Client            string     `bson:"client"`
	EventType         string     `bson:"eventType"`
	IgnoreExtraEvents bool       `bson:"ignoreExtraEvents"`
	Events            []bson.Raw `bson:"events"`
}

// LogExpectation is one client's expected log message stream.
type LogExpectation struct {
	Client              string     `bson:"client"`
	IgnoreExtraMessages bool       `bson:"ignoreExtraMessages"`
	IgnoreMessages      []bson.Raw `bson:"ignoreMessages"`
	Messages            []bson.Raw `bson:"messages"`
}

// ParseScenario decodes scenario bytes. JSON input is parsed as extended
// JSON; YAML input is converted to JSON first so extended-JSON type
// wrappers survive the trip.
func ParseScenario(data []byte, format string) (*ScenarioFile, error) {
	switch format {
	case "json":
	case "yaml", "yml":
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, types.NewConfigError("schema", "decoding YAML scenario: %v", err)
		}
		jsonData, err := json.Marshal(normalizeYAML(tree))
		if err != nil {
			return nil, types.NewConfigError("schema", "converting YAML scenario: %v", err)
		}
		data = jsonData
	default:
		return nil, types.NewConfigError("schema", "unsupported scenario format %q", format)
	}

	var file ScenarioFile
	if err := bson.UnmarshalExtJSON(data, false, &file); err != nil {
		return nil, types.NewConfigError("schema", "decoding scenario: %v", err)
	}
	if err := checkSchemaVersion(file.SchemaVersion); err != nil {
		return nil, err
	}

	return &file, nil
}

// LoadScenario reads and parses a scenario file, inferring the format
// from the extension.
func LoadScenario(path string) (*ScenarioFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewConfigError("schema", "reading scenario file: %v", err)
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")

	return ParseScenario(data, format)
}

// checkSchemaVersion accepts 1.x versions up to the supported minor.
func checkSchemaVersion(version string) error {
	if version == "" {
		return types.NewConfigError("schema", "scenario file carries no schemaVersion")
	}

	parts := strings.Split(version, ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return types.NewConfigError("schema", "invalid schemaVersion %q", version)
	}
	minor := 0
	if len(parts) > 1 {
		minor, err = strconv.Atoi(parts[1])
		if err != nil {
			return types.NewConfigError("schema", "invalid schemaVersion %q", version)
		}
	}

	if major != SchemaMajor || minor > MaxSchemaMinor {
		return types.NewConfigError("schema", "unsupported schemaVersion %q (supported: %d.0 through %d.%d)",
			version, SchemaMajor, SchemaMajor, MaxSchemaMinor)
	}

	return nil
}

// normalizeYAML converts yaml.v3 decoding output into JSON-marshalable
// values, stringifying non-string map keys.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}

		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}

		return out
	default:
		return v
	}
}
