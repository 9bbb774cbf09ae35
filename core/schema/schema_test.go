package schema_test

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/docrest/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	refName = `{ "$id" : "http://docrest.local/refs/name.json",
	 		  "type" : "string", "minLength" : 1, "maxLength" : 64 }`

	personSchema = `
	{ "$id" : "http://docrest.local/person.json",
	  "type": "object",
	  "required": ["firstName", "lastName", "email"],
	  "properties": {
		"firstName": { "$ref" : "http://docrest.local/refs/name.json" },
		"lastName": { "$ref" : "http://docrest.local/refs/name.json" },
		"email": { "type": "string", "format": "email" },
		"age": { "type": "number", "minimum": 0 }
	  }
	}`
)

const personID = "http://docrest.local/person.json"

func TestValidateBytes(t *testing.T) {
	v, err := schema.NewValidator([]string{personSchema}, []string{refName})
	require.NoError(t, err)

	valid := `{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com","age":36}`
	assert.NoError(t, v.ValidateBytes([]byte(valid), personID))

	err = v.ValidateBytes([]byte(`{"firstName":"Ada"}`), personID)
	var violations schema.Violations
	require.True(t, errors.As(err, &violations))
	fields := []string{}
	for _, v := range violations {
		fields = append(fields, v.Field)
		assert.NotEmpty(t, v.Message)
	}
	assert.Equal(t, []string{"email", "lastName"}, fields)

	err = v.ValidateBytes([]byte(`{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com","age":-1}`), personID)
	require.True(t, errors.As(err, &violations))
	assert.Equal(t, "age", violations[0].Field)

	err = v.ValidateBytes([]byte(`{"firstName":"Ada"}`), "http://docrest.local/unknown.json")
	assert.Error(t, err)
	assert.False(t, errors.As(err, &violations))
}

func TestValidateStruct(t *testing.T) {
	type Person struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	}

	v, err := schema.NewValidator([]string{personSchema}, []string{refName})
	require.NoError(t, err)

	assert.NoError(t, v.ValidateStruct(Person{"Ada", "Lovelace", "ada@example.com"}, personID))
	assert.Error(t, v.ValidateStruct(Person{"", "Lovelace", "ada@example.com"}, personID))
}

func TestHasSchema(t *testing.T) {
	v, err := schema.NewValidator([]string{personSchema}, []string{refName})
	require.NoError(t, err)

	assert.True(t, v.HasSchema(personID))
	assert.False(t, v.HasSchema("http://docrest.local/refs/name.json"))
	assert.False(t, v.HasSchema("http://docrest.local/unknown.json"))

	var nilValidator *schema.Validator
	assert.False(t, nilValidator.HasSchema(personID))
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"person.json":    &fstest.MapFile{Data: []byte(personSchema)},
		"refs/name.json": &fstest.MapFile{Data: []byte(refName)},
		"README.md":      &fstest.MapFile{Data: []byte("not a schema")},
	}
	v, err := schema.NewValidatorFromFS(fsys)
	require.NoError(t, err)
	assert.True(t, v.HasSchema(personID))

	// refs are optional
	v, err = schema.NewValidatorFromFS(fstest.MapFS{
		"plain.json": &fstest.MapFile{Data: []byte(`{"$id":"http://docrest.local/plain.json","type":"object"}`)},
	})
	require.NoError(t, err)
	assert.True(t, v.HasSchema("http://docrest.local/plain.json"))

	_, err = schema.NewValidatorFromFS(fstest.MapFS{
		"broken.json": &fstest.MapFile{Data: []byte(`{"type":"object"}`)},
	})
	assert.Error(t, err)
}
