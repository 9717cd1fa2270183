package taskqueue

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/qsched/qsched/internal/errors"
)

var validate = validator.New()

// OptimizationPayload is the input of an optimization task.
type OptimizationPayload struct {
	Objective  string `json:"objective"`
	Iterations int    `json:"iterations" validate:"gte=0"`
}

// SimulationPayload is the input of a simulation task.
type SimulationPayload struct {
	Qubits int `json:"qubits" validate:"gte=0"`
	Depth  int `json:"depth" validate:"gte=0"`
}

// AnalysisPayload is the input of an analysis task.
type AnalysisPayload struct {
	Dataset string   `json:"dataset"`
	Metrics []string `json:"metrics" validate:"dive,required"`
}

// DistributionPayload is the input of a key distribution task.
type DistributionPayload struct {
	Participants []string `json:"participants" validate:"dive,required"`
	KeyLength    int      `json:"key_length" validate:"gte=0"`
}

// EncryptionPayload is the input of an encryption task.
type EncryptionPayload struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
}

// payloadSchemas maps each task type to a constructor for its payload.
var payloadSchemas = map[TaskType]func() any{
	TypeOptimization: func() any { return &OptimizationPayload{} },
	TypeSimulation:   func() any { return &SimulationPayload{} },
	TypeAnalysis:     func() any { return &AnalysisPayload{} },
	TypeDistribution: func() any { return &DistributionPayload{} },
	TypeEncryption:   func() any { return &EncryptionPayload{} },
}

// DecodePayload decodes data into the schema registered for taskType and
// validates it. Unknown fields are ignored. An empty payload decodes to
// the zero schema.
func DecodePayload(taskType TaskType, data Payload) (any, error) {
	newSchema, ok := payloadSchemas[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown task type %q", errors.ErrInvalidPayload, taskType)
	}
	v := newSchema()
	if err := data.Decode(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errors.ErrInvalidPayload, taskType, err)
	}
	if err := validate.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errors.ErrInvalidPayload, taskType, err)
	}
	return v, nil
}

// ValidatePayload reports whether data is an acceptable payload for taskType.
func ValidatePayload(taskType TaskType, data Payload) error {
	_, err := DecodePayload(taskType, data)
	return err
}
