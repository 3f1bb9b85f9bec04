package probe

import (
	"bytes"
	"encoding/json"

	"github.com/narvanalabs/deployprobe/internal/models"
)

// ParseHealth decodes a {"ok":...} health payload. Bodies that are not JSON
// objects carrying an "ok" field yield nil.
func ParseHealth(body []byte) *models.HealthPayload {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	if _, ok := raw["ok"]; !ok {
		return nil
	}

	var payload models.HealthPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return &payload
}
