package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefaultTemperature is applied when an agent does not specify one.
const DefaultTemperature = 0.7

// Agent is the configuration a conversation is bound to.
type Agent struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	ModelKey    string  `json:"model_key"`
	Temperature float64 `json:"temperature"`
}

// Model describes one entry of the backend's model catalogue.
type Model struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Empty returns a blank agent draft.
func Empty() Agent {
	return Agent{Temperature: DefaultTemperature}
}

// WithModelFallback fills an unset model key with the first catalogue entry.
func (a Agent) WithModelFallback(models []Model) Agent {
	if a.ModelKey == "" && len(models) > 0 {
		a.ModelKey = models[0].Key
	}
	return a
}

// UnmarshalJSON accepts both snake and camel case model keys and numeric ids.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		ModelKey    string          `json:"model_key"`
		ModelKeyAlt string          `json:"modelKey"`
		Temperature *float64        `json:"temperature"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*a = Agent{
		ID:          DecodeID(raw.ID),
		Name:        raw.Name,
		Description: raw.Description,
		ModelKey:    raw.ModelKey,
		Temperature: DefaultTemperature,
	}
	if a.ModelKey == "" {
		a.ModelKey = raw.ModelKeyAlt
	}
	if raw.Temperature != nil {
		a.Temperature = *raw.Temperature
	}
	return nil
}

// DecodeID turns a JSON string or number into an opaque identifier.
func DecodeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}
