package models

import "github.com/querypilot/querypilot/internal/pipeline"

// AskRequest for POST /api/v1/asks
type AskRequest struct {
	Query          string                   `json:"query"`
	QueryID        *string                  `json:"query_id,omitempty"`
	ProjectID      *string                  `json:"project_id,omitempty"`
	MDLHash        string                   `json:"mdl_hash"`
	Histories      []pipeline.History       `json:"histories,omitempty"`
	Configurations *pipeline.Configurations `json:"configurations,omitempty"`
}

func (r *AskRequest) SetDefaults() {
	if r.Configurations == nil {
		r.Configurations = &pipeline.Configurations{}
	}
	if r.Configurations.Language == "" {
		r.Configurations.Language = "English"
	}
	if r.Configurations.Timezone == "" {
		r.Configurations.Timezone = "UTC"
	}
}
