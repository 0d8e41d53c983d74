package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const maxParameterValueBytes = 4096

type CreateRenderRequest struct {
	TemplateID string            `json:"template_id"`
	Parameters map[string]string `json:"parameters"`
	Sample     bool              `json:"sample,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
}

func (r CreateRenderRequest) Validate() error {
	if strings.TrimSpace(r.TemplateID) == "" {
		return errors.New("template_id is required")
	}
	if !r.Sample && len(r.Parameters) == 0 {
		return errors.New("parameters must contain at least one placeholder value")
	}
	for key, value := range r.Parameters {
		if strings.TrimSpace(key) == "" {
			return errors.New("parameters must not contain an empty key")
		}
		if len(value) > maxParameterValueBytes {
			return fmt.Errorf("parameters[%s] exceeds %d bytes", key, maxParameterValueBytes)
		}
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL: %s", r.WebhookURL)
		}
	}
	return nil
}
