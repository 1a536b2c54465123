package server

import (
	"bytes"
	_ "embed"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/qontrol-dev/qontrol/internal/qerr"
)

//go:embed job_request.schema.json
var jobRequestSchema []byte

var compiledJobSchema = mustCompile("job_request.schema.json", jobRequestSchema)

func mustCompile(name string, raw []byte) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		panic(err)
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return s
}

// validateJobRequest checks the raw body against the embedded schema before
// any entity is created.
func validateJobRequest(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return qerr.New(qerr.KindValidation, "invalid request body: %v", err)
	}
	if err := compiledJobSchema.Validate(doc); err != nil {
		return qerr.Wrap(qerr.KindValidation, err, "job request failed validation")
	}
	return nil
}
