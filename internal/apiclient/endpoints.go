package apiclient

import (
	"context"

	"github.com/gaspardpetit/livediff/internal/settings"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptime"`
}

// ModelInfo describes one model the backend can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsLoaded    bool   `json:"isLoaded"`
}

// ModelsResponse is returned by GET /models.
type ModelsResponse struct {
	Models       []ModelInfo `json:"models"`
	CurrentModel *string     `json:"currentModel"`
}

// DiffusionSettings is the backend's view of the generation settings.
type DiffusionSettings struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt"`
	Steps          int     `json:"steps"`
	Guidance       float64 `json:"guidance"`
	Seed           int64   `json:"seed"`
	UseRandomSeed  bool    `json:"useRandomSeed"`
}

// SettingsUpdate is a partial PUT /settings body.
type SettingsUpdate struct {
	Prompt         *string  `json:"prompt,omitempty"`
	NegativePrompt *string  `json:"negativePrompt,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	Guidance       *float64 `json:"guidance,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	UseRandomSeed  *bool    `json:"useRandomSeed,omitempty"`
}

const (
	endpointStatus   = "/status"
	endpointModels   = "/models"
	endpointSettings = "/settings"
)

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var v StatusResponse
	err := c.Get(ctx, endpointStatus, &v)
	return v, err
}

func (c *Client) Models(ctx context.Context) (ModelsResponse, error) {
	var v ModelsResponse
	err := c.Get(ctx, endpointModels, &v)
	return v, err
}

func (c *Client) Settings(ctx context.Context) (DiffusionSettings, error) {
	var v DiffusionSettings
	err := c.Get(ctx, endpointSettings, &v)
	return v, err
}

func (c *Client) UpdateSettings(ctx context.Context, u SettingsUpdate) (DiffusionSettings, error) {
	var v DiffusionSettings
	err := c.Put(ctx, endpointSettings, u, &v)
	return v, err
}

// Generation converts backend settings to the local shape.
func (d DiffusionSettings) Generation() settings.GenerationSettings {
	return settings.GenerationSettings{
		Prompt:         d.Prompt,
		NegativePrompt: d.NegativePrompt,
		Steps:          d.Steps,
		GuidanceScale:  d.Guidance,
		Seed:           d.Seed,
		UseRandomSeed:  d.UseRandomSeed,
	}
}

// UpdateFromPatch converts a local patch to a backend update.
func UpdateFromPatch(p settings.Patch) SettingsUpdate {
	return SettingsUpdate{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Steps:          p.Steps,
		Guidance:       p.GuidanceScale,
		Seed:           p.Seed,
		UseRandomSeed:  p.UseRandomSeed,
	}
}
