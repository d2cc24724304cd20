package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/sensei/internal/model"
)

// ---- ValidateTurnMessage -------------------------------------------------

func TestValidateTurnMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantErr string
	}{
		{"ordinary", "How do I prepare for my review?", ""},
		{"at exact max", strings.Repeat("x", model.MaxMessageLen), ""},
		{"over max", strings.Repeat("x", model.MaxMessageLen+1), "maximum length"},
		{"empty", "", "required"},
		{"whitespace only", " \n\t ", "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateTurnMessage(tt.msg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateExtraContext(t *testing.T) {
	assert.NoError(t, model.ValidateExtraContext(""))
	assert.NoError(t, model.ValidateExtraContext(strings.Repeat("c", model.MaxExtraContextLen)))
	assert.ErrorContains(t, model.ValidateExtraContext(strings.Repeat("c", model.MaxExtraContextLen+1)), "context exceeds")
}
