package isolation

import (
	"strings"

	apperrors "github.com/streamloft/agentgate/pkg/errors"
	"github.com/streamloft/agentgate/pkg/validator"
)

// UserContext identifies the user a manager is created for. It is built by
// the auth layer before any manager exists and stays immutable for the
// lifetime of the manager keyed to it.
type UserContext struct {
	UserID    string `json:"user_id" validate:"required"`
	ThreadID  string `json:"thread_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// IsolationKey derives the cache key used by the factory. Two sessions of the
// same user with distinct client ids get distinct managers; identical keys
// must resolve to the same manager instance.
func (c UserContext) IsolationKey() string {
	userID := strings.TrimSpace(c.UserID)
	clientID := strings.TrimSpace(c.ClientID)
	if clientID == "" {
		return userID
	}
	return userID + "::" + clientID
}

// Validate reports whether the context is well-formed enough to key a manager.
func (c UserContext) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return apperrors.NewValidation("user context: user_id is required")
	}
	if err := validator.ValidateStruct(c); err != nil {
		return apperrors.NewValidation(err.Error())
	}
	return nil
}
