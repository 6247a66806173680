package source

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
)

// CampaignMappingKey is the config key holding external id -> campaign id.
const CampaignMappingKey = "campaign_mapping"

// CampaignResolver maps a source's external campaign ids to internal
// campaign ids. It never guesses: an id without an entry is an error.
type CampaignResolver struct {
	mapping map[string]string
}

// NewCampaignResolver reads config["campaign_mapping"]. A missing mapping
// yields a resolver that rejects every id.
func NewCampaignResolver(config map[string]any) (*CampaignResolver, error) {
	r := &CampaignResolver{mapping: map[string]string{}}

	raw, ok := config[CampaignMappingKey]
	if !ok || raw == nil {
		return r, nil
	}

	switch m := raw.(type) {
	case map[string]any:
		for external, internal := range m {
			id, ok := internal.(string)
			if !ok || strings.TrimSpace(id) == "" {
				return nil, fmt.Errorf("%w: campaign_mapping[%q] must be a non-empty string", apperrors.ErrInvalidConfig, external)
			}
			r.mapping[external] = id
		}
	case map[string]string:
		for external, internal := range m {
			r.mapping[external] = internal
		}
	default:
		return nil, fmt.Errorf("%w: campaign_mapping must be an object", apperrors.ErrInvalidConfig)
	}

	return r, nil
}

// Resolve returns the internal campaign id for externalID.
func (r *CampaignResolver) Resolve(externalID string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if id, ok := r.mapping[externalID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w %q", apperrors.ErrCampaignMappingMissing, externalID)
}

// Len returns the number of mapped ids.
func (r *CampaignResolver) Len() int {
	return len(r.mapping)
}
