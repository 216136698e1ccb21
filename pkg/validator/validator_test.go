package validator

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStruct struct {
	BaseURL  string `validate:"required,url"`
	Attempts int    `validate:"gte=1,lte=20"`
	Level    string `validate:"oneof=debug info warn error"`
}

func validStruct() testStruct {
	return testStruct{BaseURL: "https://openapi.blofin.com", Attempts: 3, Level: "info"}
}

func TestValidate_Success(t *testing.T) {
	assert.NoError(t, Validate(validStruct()))
}

func TestValidate_MissingRequired(t *testing.T) {
	s := validStruct()
	s.BaseURL = ""
	err := Validate(s)
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "is required", valErr.Fields()["BaseURL"])
}

func TestValidate_InvalidURL(t *testing.T) {
	s := validStruct()
	s.BaseURL = "not a url"
	err := Validate(s)
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must be a valid URL", valErr.Fields()["BaseURL"])
}

func TestValidate_OutOfRange(t *testing.T) {
	s := validStruct()
	s.Attempts = 50
	err := Validate(s)
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields()["Attempts"], "20")
}

func TestValidate_OneOf(t *testing.T) {
	s := validStruct()
	s.Level = "verbose"
	err := Validate(s)
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields()["Level"], "one of")
}

func TestValidate_MultipleErrors(t *testing.T) {
	err := Validate(testStruct{})
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	fields := valErr.Fields()
	assert.Contains(t, fields, "BaseURL")
	assert.Contains(t, fields, "Attempts")
	assert.Contains(t, fields, "Level")
	assert.Contains(t, err.Error(), "field 'BaseURL'")
}

func TestVar_IdentifierFormat(t *testing.T) {
	const tag = "required,number,min=8,max=15"

	tests := []struct {
		value string
		ok    bool
	}{
		{"23062566953", true},
		{"12345678", true},
		{"123456789012345", true},
		{"1234567", false},
		{"1234567890123456", false},
		{"abc123", false},
		{"1234 5678", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			err := Var(tt.value, tag)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var valErr *ValidationError
			assert.ErrorAs(t, err, &valErr)
		})
	}
}

func TestVar_ErrorMessageHasNoFieldName(t *testing.T) {
	err := Var("abc123", "required,number")
	require.Error(t, err)
	assert.Equal(t, "value must contain digits only", err.Error())
}

type webhookBody struct {
	UpdateID int64 `json:"update_id" validate:"gt=0"`
}

func TestDecodeAndValidate_Success(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"update_id":1001}`))

	var b webhookBody
	require.NoError(t, DecodeAndValidate(req, &b))
	assert.Equal(t, int64(1001), b.UpdateID)
}

func TestDecodeAndValidate_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{invalid"))

	var b webhookBody
	err := DecodeAndValidate(req, &b)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode request body")
}

func TestDecodeAndValidate_ValidationFails(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"update_id":0}`))

	var b webhookBody
	err := DecodeAndValidate(req, &b)

	require.Error(t, err)
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}
