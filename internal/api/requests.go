package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/ashureev/queryarena/internal/domain"
)

// maxBodyBytes bounds request bodies; result sets are the largest payloads.
const maxBodyBytes = 4 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoginRequest registers or signs in a participant.
type LoginRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=100"`
	Email string `json:"email" validate:"required,email,max=254"`
}

// ViolationRequest reports an integrity event from the client.
type ViolationRequest struct {
	Kind        string `json:"kind" validate:"required"`
	Description string `json:"description" validate:"max=500"`
}

// SubmitRequest carries the result set produced for a question.
type SubmitRequest struct {
	QuestionID      string            `json:"question_id" validate:"required,max=64"`
	Result          []domain.Document `json:"result" validate:"max=10000"`
	ExecutionTimeMs int64             `json:"execution_time_ms" validate:"gte=0"`
}

// decodeJSON reads and validates a request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", domain.ErrValidation, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
