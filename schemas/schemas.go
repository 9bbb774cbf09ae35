// Package schemas holds the JSON schemas of all resources
package schemas

import (
	"embed"

	"github.com/relabs-tech/docrest/core/schema"
)

// the schema ids
const (
	User         = "https://docrest.relabs.tech/schemas/user.json"
	UploadedFile = "https://docrest.relabs.tech/schemas/uploadedFile.json"
)

//go:embed *.json
var FS embed.FS

// NewValidator returns a validator for all embedded schemas
func NewValidator() (*schema.Validator, error) {
	return schema.NewValidatorFromFS(FS)
}
