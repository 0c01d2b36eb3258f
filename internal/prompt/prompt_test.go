package prompt

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
)

func TestBuildInstruction(t *testing.T) {
	tests := []struct {
		name        string
		req         Request
		contains    []string
		notContains []string
	}{
		{
			name:        "images only",
			req:         Request{ImageURLs: []string{"u"}},
			contains:    []string{"reference images"},
			notContains: []string{"draft prompt", "Additional instructions"},
		},
		{
			name:     "draft and instructions",
			req:      Request{ExistingPrompt: "a red car", Instructions: "make it night"},
			contains: []string{"a red car", "make it night"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildInstruction(tt.req)
			for _, s := range tt.contains {
				assert.Contains(t, got, s)
			}
			for _, s := range tt.notContains {
				assert.NotContains(t, got, s)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: nil},
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("  a cat "), genai.Text("on a mat")}}},
		},
	}
	assert.Equal(t, "a cat on a mat", ExtractText(resp))
	assert.Empty(t, ExtractText(nil))
	assert.Empty(t, ExtractText(&genai.GenerateContentResponse{}))
}

func TestImageFormat(t *testing.T) {
	assert.Equal(t, "jpeg", imageFormat("image/jpeg"))
	assert.Equal(t, "jpeg", imageFormat("image/jpg"))
	assert.Equal(t, "webp", imageFormat("image/webp; charset=binary"))
	assert.Equal(t, "png", imageFormat("application/octet-stream"))
}
