package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"argus/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ruleSchema is the structural contract for rule files. Semantic checks
// beyond its reach (per-type field requirements) run in Rule.Validate.
const ruleSchema = `{
  "type": "object",
  "required": ["rule_id", "name", "type"],
  "properties": {
    "rule_id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "type": {"enum": ["pattern", "correlation", "threshold", "anomaly", "compliance"]},
    "conditions": {"type": "array", "items": {"$ref": "#/definitions/condition"}},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "conditions"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "conditions": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/condition"}}
        }
      }
    },
    "ordered": {"type": "boolean"},
    "grouping_key": {"type": "array", "items": {"type": "string"}},
    "frequency": {"type": "integer", "minimum": 0},
    "time_window_seconds": {"type": "integer", "minimum": 0},
    "threshold": {"type": "integer", "minimum": 0},
    "score_bound": {"type": "number", "minimum": 0},
    "alert_level": {"enum": ["", "info", "low", "medium", "high", "critical"]},
    "event_categories": {"type": "array", "items": {"type": "string"}},
    "enabled": {"type": "boolean"}
  },
  "definitions": {
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": {"type": "string", "minLength": 1},
        "operator": {
          "enum": ["equals", "not_equals", "contains", "starts_with", "ends_with",
                   "regex", "greater_than", "less_than",
                   "greater_than_or_equal", "less_than_or_equal"]
        },
        "logic": {"enum": ["", "AND", "OR", "and", "or"]}
      }
    }
  }
}`

// LoadRuleFile parses one YAML rule file, which may hold a single rule
// document or a list of rules.
func LoadRuleFile(path string) ([]*core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
	}

	docs, ok := raw.([]any)
	if !ok {
		docs = []any{raw}
	}

	rules := make([]*core.Rule, 0, len(docs))
	for i, doc := range docs {
		rule, err := decodeRule(doc)
		if err != nil {
			return nil, fmt.Errorf("rule %d in %s: %w", i+1, path, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeRule(doc any) (*core.Rule, error) {
	schemaLoader := gojsonschema.NewStringLoader(ruleSchema)
	documentLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidRule, strings.Join(msgs, "; "))
	}

	// Round-trip through YAML to reuse the struct tags for decoding.
	buf, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode rule: %w", err)
	}
	var rule core.Rule
	if err := yaml.Unmarshal(buf, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &rule, nil
}

// LoadRulesDir walks a directory for .yaml/.yml rule files and loads every
// valid rule. A file that fails to load is skipped with a warning so one
// bad rule cannot take down the whole rule set.
func LoadRulesDir(dir string, logger *zap.SugaredLogger) ([]*core.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var rules []*core.Rule
	for _, name := range names {
		loaded, err := LoadRuleFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warnw("Skipping invalid rule file", "file", name, "error", err)
			continue
		}
		rules = append(rules, loaded...)
	}
	logger.Infow("Rules loaded", "dir", dir, "count", len(rules))
	return rules, nil
}
