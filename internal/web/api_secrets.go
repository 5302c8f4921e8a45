package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mtzanidakis/deepr/internal/store"
)

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, secretToAPI(sec))
	}
	jsonResponse(w, out)
}

// createSecret seals a value in the vault. Posting an existing name
// replaces its value.
func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	sec := &store.Secret{
		Name:        body.Name,
		Description: body.Description,
	}
	if err := s.vault.Put(s.store, sec, []byte(body.Value)); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.publishSecretEvent("secret_saved", sec.ID, sec.Name)
	jsonResponse(w, secretToAPI(*sec))
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSecret(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSecretEvent("secret_deleted", id, "")
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func secretToAPI(sec store.Secret) map[string]any {
	return map[string]any{
		"id":          sec.ID,
		"name":        sec.Name,
		"description": sec.Description,
		"kind":        sec.Kind,
		"created_at":  sec.CreatedAt,
		"updated_at":  sec.UpdatedAt,
	}
}

func (s *Server) publishSecretEvent(eventType, secretID, name string) {
	if s.nats == nil {
		return
	}
	_ = s.nats.PublishJSON("events.secret."+secretID, map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]string{
			"id":   secretID,
			"name": name,
		},
	})
}
