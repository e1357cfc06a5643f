package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParams(t *testing.T) {
	req := Request{
		Model: "gpt-4.1",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "hi"},
			{Role: "tool", Content: "odd role becomes user"},
		},
		Temperature: 0.2,
	}

	params, err := buildParams(req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", string(params.Model))
	require.Len(t, params.Messages, 4)
	assert.NotNil(t, params.Messages[0].OfSystem)
	assert.NotNil(t, params.Messages[1].OfUser)
	assert.NotNil(t, params.Messages[2].OfAssistant)
	assert.NotNil(t, params.Messages[3].OfUser)
	require.True(t, params.Temperature.Valid())
	assert.Equal(t, 0.2, params.Temperature.Value)
}

func TestBuildParamsValidation(t *testing.T) {
	_, err := buildParams(Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.EqualError(t, err, "model is required")

	_, err = buildParams(Request{Model: "gpt-4.1"})
	assert.EqualError(t, err, "messages are required")
}
