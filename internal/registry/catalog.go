package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of a YAML tool catalog.
type catalogFile struct {
	Tools []ToolDefinition `yaml:"tools"`
}

// LoadCatalogFile reads tool definitions from a YAML file.
func LoadCatalogFile(path string) ([]ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadCatalogFile: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) ([]ToolDefinition, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("ParseCatalog: %w", err)
	}
	return cf.Tools, nil
}

func floatPtr(f float64) *float64 { return &f }

// DefaultCatalog returns the built-in tool table loaded at startup.
func DefaultCatalog() []ToolDefinition {
	return []ToolDefinition{
		{
			ID:            "flux-schnell",
			Name:          "FLUX.1 [schnell]",
			Description:   "Fast text-to-image generation.",
			Category:      "image-generation",
			Provider:      "fal",
			Endpoint:      "https://queue.fal.run/fal-ai/flux/schnell",
			ExecutionMode: ModeQueue,
			OutputType:    "images[].url",
			InputSchema: &InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"prompt":     {Type: "string", Description: "Text prompt describing the image."},
					"image_size": {Type: "string", Enum: []any{"square_hd", "square", "portrait_4_3", "portrait_16_9", "landscape_4_3", "landscape_16_9"}, Default: "landscape_4_3"},
					"num_images": {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(4), Default: 1},
					"seed":       {Type: "integer"},
				},
				Required: []string{"prompt"},
			},
			Pricing: Pricing{BaseUSD: 0.003, PerUnitUSD: floatPtr(0.003), UnitType: UnitImage, Credits: 1, PerUnitCredits: floatPtr(1), Markup: 1.5},
			Enabled: true,
			Tags:    []string{"image", "text-to-image"},
		},
		{
			ID:            "esrgan-upscale",
			Name:          "ESRGAN Upscaler",
			Description:   "Upscales an image by 2x or 4x.",
			Category:      "image-editing",
			Provider:      "fal",
			Endpoint:      "https://queue.fal.run/fal-ai/esrgan",
			ExecutionMode: ModeQueue,
			OutputType:    "image.url",
			InputSchema: &InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"image_url": {Type: "string", Description: "URL of the image to upscale."},
					"scale":     {Type: "number", Minimum: floatPtr(1), Maximum: floatPtr(8), Default: 2},
				},
				Required: []string{"image_url"},
			},
			Pricing: Pricing{BaseUSD: 0.002, Credits: 1, Markup: 1.5},
			Enabled: true,
			Tags:    []string{"image", "upscale"},
		},
		{
			ID:            "kling-video",
			Name:          "Kling Video",
			Description:   "Generates a short video clip from a prompt and optional start image.",
			Category:      "video-generation",
			Provider:      "fal",
			Endpoint:      "https://queue.fal.run/fal-ai/kling-video/v2/master/text-to-video",
			ExecutionMode: ModeQueue,
			OutputType:    "video.url",
			InputSchema: &InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"prompt":       {Type: "string"},
					"image_url":    {Type: "string", Description: "Optional first frame."},
					"duration":     {Type: "string", Enum: []any{"5", "10"}, Default: "5"},
					"aspect_ratio": {Type: "string", Enum: []any{"16:9", "9:16", "1:1"}},
				},
				Required: []string{"prompt"},
			},
			Pricing: Pricing{BaseUSD: 0.28, PerUnitUSD: floatPtr(0.056), UnitType: UnitSecond, Credits: 20, PerUnitCredits: floatPtr(4), Markup: 1.4},
			Enabled: true,
			Tags:    []string{"video"},
		},
		{
			ID:            "whisper-transcribe",
			Name:          "Whisper",
			Description:   "Transcribes speech audio to text.",
			Category:      "audio",
			Provider:      "fal",
			Endpoint:      "https://queue.fal.run/fal-ai/whisper",
			ExecutionMode: ModeQueue,
			OutputType:    "text",
			InputSchema: &InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"audio_url": {Type: "string"},
					"language":  {Type: "string"},
					"duration":  {Type: "number", Description: "Audio length in seconds, used for metering."},
				},
				Required: []string{"audio_url"},
			},
			Pricing: Pricing{BaseUSD: 0.006, PerUnitUSD: floatPtr(0.006), UnitType: UnitMinute, Credits: 1, Markup: 1.5},
			Enabled: true,
			Tags:    []string{"audio", "speech-to-text"},
		},
		{
			ID:            "sdxl-lightning",
			Name:          "SDXL Lightning",
			Description:   "Few-step SDXL image generation.",
			Category:      "image-generation",
			Provider:      "fal",
			Endpoint:      "https://fal.run/fal-ai/fast-lightning-sdxl",
			ExecutionMode: ModeSync,
			OutputType:    "images[].url",
			InputSchema: &InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"prompt": {Type: "string"},
					"steps":  {Type: "integer", Enum: []any{1, 2, 4, 8}, Default: 4},
				},
				Required: []string{"prompt"},
			},
			Pricing: Pricing{BaseUSD: 0.001, PerUnitUSD: floatPtr(0.0005), UnitType: UnitStep, Credits: 1, PerUnitCredits: floatPtr(0.25), Markup: 1.5},
			Enabled: true,
			Tags:    []string{"image", "text-to-image"},
		},
		{
			ID:            "image-caption",
			Name:          "Image Captioner",
			Description:   "Describes the content of an image in one paragraph.",
			Category:      "vision",
			Provider:      "fal",
			Endpoint:      "https://fal.run/fal-ai/florence-2-large/detailed-caption",
			ExecutionMode: ModeSync,
			OutputType:    "results",
			InputSchema: &InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"image_url": {Type: "string"},
				},
				Required: []string{"image_url"},
			},
			Pricing: Pricing{BaseUSD: 0.001, Credits: 1, Markup: 1.5},
			Enabled: true,
			Tags:    []string{"vision"},
		},
	}
}
