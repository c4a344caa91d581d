package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// watchSchema pins the shape of the watch config file. A malformed file is a
// configuration error: the process refuses to start instead of watching a
// partial owner list.
const watchSchema = `{
	"type": "object",
	"properties": {
		"owners": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"uniqueItems": true
		}
	},
	"required": ["owners"],
	"additionalProperties": false
}`

type watchConfig struct {
	Owners []string `yaml:"owners"`
}

func loadWatchConfig(path string) (watchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return watchConfig{}, err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return watchConfig{}, fmt.Errorf("parsing yaml: %w", err)
	}
	if err := validateWatchConfig(raw); err != nil {
		return watchConfig{}, err
	}

	var cfg watchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return watchConfig{}, fmt.Errorf("parsing yaml: %w", err)
	}
	return cfg, nil
}

func validateWatchConfig(raw any) error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(watchSchema))
	if err != nil {
		return fmt.Errorf("parsing watch schema: %w", err)
	}
	if err := compiler.AddResource("watch.schema.json", doc); err != nil {
		return fmt.Errorf("registering watch schema: %w", err)
	}
	schema, err := compiler.Compile("watch.schema.json")
	if err != nil {
		return fmt.Errorf("compiling watch schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return fmt.Errorf("invalid watch config: %w", err)
	}
	return nil
}
