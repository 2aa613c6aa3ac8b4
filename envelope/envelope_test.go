package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobRequestGeneratesCorrelationID(t *testing.T) {
	req := NewJobRequest(OpNoopTest, map[string]interface{}{"test": "value"})

	assert.Equal(t, OpNoopTest, req.Operation)
	assert.NotEmpty(t, req.CorrelationID)
	assert.NotEmpty(t, req.Metadata["timestamp"])
}

func TestNewJobRequestKeepsSuppliedCorrelationID(t *testing.T) {
	req := NewJobRequest(OpVMCreate, nil, WithCorrelationID("abc-123"))
	assert.Equal(t, "abc-123", req.CorrelationID)
}

func TestNewJobRequestKeepsSuppliedTimestamp(t *testing.T) {
	req := NewJobRequest(OpVMCreate, nil, WithMetadata(map[string]interface{}{
		"timestamp": "2025-01-01T00:00:00Z",
		"extra":     "kept",
	}))
	assert.Equal(t, "2025-01-01T00:00:00Z", req.Metadata["timestamp"])
	assert.Equal(t, "kept", req.Metadata["extra"])
}

func TestJobRequestRoundTrip(t *testing.T) {
	req := NewJobRequest(OpDiskCreate,
		map[string]interface{}{"size_gb": "40"},
		WithCorrelationID("rt-1"),
		WithMetadata(map[string]interface{}{"timestamp": "2025-01-01T00:00:00Z"}),
	)

	data, err := req.Marshal()
	require.NoError(t, err)

	var decoded JobRequest
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, req.Operation, decoded.Operation)
	assert.Equal(t, req.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, req.ResourceSpec, decoded.ResourceSpec)
	assert.Equal(t, req.Metadata, decoded.Metadata)
}

func TestParseJobResult(t *testing.T) {
	raw := []byte(`{
		"status": "success",
		"message": "ok",
		"data": {"vm_id": "vm-42"},
		"logs": ["created"],
		"correlation_id": "abc-123",
		"future_field": true
	}`)

	env, err := ParseJobResult(raw)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, "ok", env.Message)
	assert.Equal(t, "vm-42", env.Data["vm_id"])
	assert.Equal(t, []string{"created"}, env.Logs)
	assert.Equal(t, "abc-123", env.CorrelationID)
}

func TestParseJobResultDefaultsEmptyCollections(t *testing.T) {
	env, err := ParseJobResult([]byte(`{"status":"error","message":"boom","code":"HV_FAULT"}`))
	require.NoError(t, err)

	assert.Equal(t, StatusError, env.Status)
	assert.Equal(t, "HV_FAULT", env.Code)
	assert.NotNil(t, env.Data)
	assert.Empty(t, env.Data)
	assert.NotNil(t, env.Logs)
	assert.Empty(t, env.Logs)
}

func TestParseJobResultErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"not an object", `["status"]`},
		{"plain text", "Connecting to host..."},
		{"missing status", `{"message":"no status"}`},
		{"unknown status", `{"status":"weird"}`},
		{"truncated", `{"status":"success",`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseJobResult([]byte(tc.raw))
			require.Error(t, err)
			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestParseErrorTruncatesRaw(t *testing.T) {
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	_, err := ParseJobResult(big)
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.LessOrEqual(t, len(perr.Raw), 500)
}

func TestParseTrailingJobResultAfterProgressLines(t *testing.T) {
	raw := []byte("Creating VM web01\nAttaching boot volume\n{\n  \"status\": \"success\",\n  \"data\": {\"vm_id\": \"vm-42\"},\n  \"correlation_id\": \"abc-123\"\n}\n")

	env, err := ParseTrailingJobResult(raw)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, "vm-42", env.Data["vm_id"])
	assert.Equal(t, "abc-123", env.CorrelationID)
}

func TestParseTrailingJobResultWholePayload(t *testing.T) {
	env, err := ParseTrailingJobResult([]byte(`{"status":"error","code":"VM_EXISTS","message":"dup"}`))
	require.NoError(t, err)
	assert.Equal(t, "VM_EXISTS", env.Code)
}

func TestParseTrailingJobResultSkipsNestedObjects(t *testing.T) {
	// The nested data object must not be mistaken for the envelope.
	raw := []byte("progress\n{\"status\": \"success\", \"data\": {\"status\": \"success\", \"vm_id\": \"inner\"}}")

	env, err := ParseTrailingJobResult(raw)
	require.NoError(t, err)
	assert.Equal(t, "inner", env.Data["vm_id"])
}

func TestParseTrailingJobResultNoEnvelope(t *testing.T) {
	_, err := ParseTrailingJobResult([]byte("garbage output with no JSON\n"))
	require.Error(t, err)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}
