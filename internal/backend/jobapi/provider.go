// Package jobapi implements asynchronous generation providers that accept a
// submit request, hand back a job id, and expose the job's status on one of
// several URL shapes. Providers are described declaratively in a YAML file,
// so adding one needs no code.
package jobapi

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// Provider describes one async job API bound to one capability tag.
// URL templates may use {id} for the external job id.
type Provider struct {
	Name       string              `yaml:"name" validate:"required"`
	Capability string              `yaml:"capability" validate:"required"`
	Output     workflow.OutputKind `yaml:"output" validate:"required,oneof=text image images audio video"`

	SubmitURL    string   `yaml:"submit_url" validate:"required,url"`
	Method       string   `yaml:"method" validate:"omitempty,oneof=POST PUT"`
	StatusURLs   []string `yaml:"status_urls" validate:"required,min=1,dive,required"`
	DashboardURL string   `yaml:"dashboard_url"`

	// Credentials: APIKeyEnv names an environment variable; APIKey is a
	// literal fallback for local setups.
	APIKey     string `yaml:"api_key"`
	APIKeyEnv  string `yaml:"api_key_env"`
	AuthHeader string `yaml:"auth_header"`
	AuthScheme string `yaml:"auth_scheme"`

	// Fields maps node config fields to request body keys; when empty the
	// whole bound config is sent. Static values are sent on every request.
	Fields map[string]string `yaml:"fields"`
	Static map[string]any    `yaml:"static"`
	IDKeys []string          `yaml:"id_keys"`

	StatusKeys  []string                      `yaml:"status_keys"`
	Statuses    map[string]workflow.JobStatus `yaml:"statuses" validate:"omitempty,dive,oneof=queued running completed failed nsfw_blocked"`
	ResultKeys  []string                      `yaml:"result_keys"`
	NSFWKeys    []string                      `yaml:"nsfw_keys"`
	MessageKeys []string                      `yaml:"message_keys"`

	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0,lte=120"`
}

// ProviderFile is the on-disk shape of PROVIDERS_FILE.
type ProviderFile struct {
	Providers []Provider `yaml:"providers" validate:"required,min=1,dive"`
}

var validate = validator.New()

var defaultIDKeys = []string{"id", "job_id", "task_id", "data.id", "data.task_id"}

// Vocabulary returns the provider's status vocabulary layered on the defaults.
func (p Provider) Vocabulary() backend.StatusVocabulary {
	return backend.DefaultVocabulary().Merge(backend.StatusVocabulary{
		StatusKeys:  p.StatusKeys,
		Statuses:    p.Statuses,
		ResultKeys:  p.ResultKeys,
		NSFWKeys:    p.NSFWKeys,
		MessageKeys: p.MessageKeys,
	})
}

// ParseProviders decodes and validates a provider file.
func ParseProviders(data []byte) ([]Provider, error) {
	var f ProviderFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse providers: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid providers: %s", describe(err))
	}
	seen := make(map[string]bool, len(f.Providers))
	for _, p := range f.Providers {
		if seen[p.Capability] {
			return nil, fmt.Errorf("invalid providers: capability %q declared twice", p.Capability)
		}
		seen[p.Capability] = true
		for _, u := range p.StatusURLs {
			if !strings.Contains(u, "{id}") {
				return nil, fmt.Errorf("invalid providers: %s status url %q has no {id}", p.Name, u)
			}
		}
	}
	return f.Providers, nil
}

// LoadProviders reads and parses a provider file.
func LoadProviders(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %s: %w", path, err)
	}
	return ParseProviders(data)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
