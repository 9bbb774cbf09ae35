package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	Meta
	Text string `json:"text"`
}

func (n *note) Validate() error {
	verr := &ValidationError{}
	if n.Text == "" {
		verr.Add("text", "is required")
	}
	return verr.OrNil()
}

func TestMetaJSON(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	n := &note{Text: "hello"}
	n.Init(now)
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.Equal(t, now, n.UpdatedAt)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	for _, f := range SystemFields {
		assert.Contains(t, m, f)
	}
	assert.Equal(t, false, m["isDeleted"])
	assert.Nil(t, m["deletedAt"])
	assert.Equal(t, "hello", m["text"])

	var d Document = n
	assert.Equal(t, &n.Meta, d.Base())
}

func TestValidationError(t *testing.T) {
	n := &note{}
	err := n.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []FieldError{{Field: "text", Message: "is required"}}, verr.Errors)
	assert.Equal(t, "validation failed: text: is required", err.Error())

	n.Text = "ok"
	assert.NoError(t, n.Validate())
}
