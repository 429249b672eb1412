package bids

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed dataset_description.schema.json
var descriptorSchemaSource string

var descriptorSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(descriptorSchemaSource))
	if err != nil {
		return nil, fmt.Errorf("parse embedded descriptor schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("dataset_description.schema.json", doc); err != nil {
		return nil, fmt.Errorf("register embedded descriptor schema: %w", err)
	}
	schema, err := compiler.Compile("dataset_description.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile embedded descriptor schema: %w", err)
	}
	return schema, nil
})

// ValidateDescription checks a dataset_description.json against the
// embedded schema. A missing file is a failure: the descriptor is what
// marks a directory as a curated dataset.
func ValidateDescription(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("dataset_description.json is missing")
		}
		return fmt.Errorf("open dataset description: %w", err)
	}
	defer f.Close()

	doc, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return fmt.Errorf("parse dataset description: %w", err)
	}

	schema, err := descriptorSchema()
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
