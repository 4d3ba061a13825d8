package model

import "time"

const (
	DefaultModelProvider   = "openai"
	DefaultModelName       = "gpt-4o"
	DefaultVisionModelName = "gpt-4o"
)

// VercelToken is a linked external deployment account. A user may link several.
type VercelToken struct {
	ID               int64      `db:"id" json:"id"`
	UserID           string     `db:"user_id" json:"user_id" validate:"required"`
	Token            string     `db:"token" json:"-" validate:"required"`
	ProjectID        *string    `db:"project_id" json:"project_id,omitempty"`
	DeploymentURL    *string    `db:"deployment_url" json:"deployment_url,omitempty" validate:"omitempty,url"`
	ProjectURL       *string    `db:"project_url" json:"project_url,omitempty" validate:"omitempty,url"`
	CreatedAt        *time.Time `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt        *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	LastDeployment   *time.Time `db:"last_deployment" json:"last_deployment,omitempty"`
	ModelProvider    string     `db:"model_provider" json:"model_provider"`
	ModelName        string     `db:"model_name" json:"model_name"`
	VisionModelName  string     `db:"vision_model_name" json:"vision_model_name"`
	LastAPIKeyUpdate *time.Time `db:"last_api_key_update" json:"last_api_key_update,omitempty"`
}

// ApplyModelDefaults fills empty model configuration with the defaults.
func (v *VercelToken) ApplyModelDefaults() {
	if v.ModelProvider == "" {
		v.ModelProvider = DefaultModelProvider
	}
	if v.ModelName == "" {
		v.ModelName = DefaultModelName
	}
	if v.VisionModelName == "" {
		v.VisionModelName = DefaultVisionModelName
	}
}
