package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tsawler/hailmary/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" (or empty) and "proto" to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "", "json":
		return FormatJSON, nil
	case "proto":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Extension returns the file suffix used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return ".pb"
	}
	return ".json"
}

// Checkpoint represents a complete training state: every network's weights,
// the optimizer state of every slot, and the orchestration counters.
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// OptimizerStates is keyed by optimizer slot name.
	OptimizerStates map[string]*OptimizerState `json:"optimizer_states,omitempty"`

	// Hyperparameters holds the run configuration that produced the
	// checkpoint. Loaders may apply it over their own configuration.
	Hyperparameters json.RawMessage `json:"hyperparameters,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "running_mean", ...
}

// TrainingState captures the orchestration counters.
type TrainingState struct {
	TotalTrainSteps     int    `json:"total_train_steps"`
	GeneratorGlobalStep int    `json:"generator_global_step"`
	CriticGlobalStep    int    `json:"critic_global_step"`
	BatchesAccumulated  int    `json:"batches_accumulated"` // informational, resumes start a fresh window
	Phase               string `json:"phase"`

	TextureGeneratorSteps     int `json:"texture_generator_steps,omitempty"`
	TextureCriticSteps        int `json:"texture_critic_steps,omitempty"`
	TextureDiscriminatorSteps int `json:"texture_discriminator_steps,omitempty"`
}

// OptimizerState captures optimizer-specific state (moments, step count, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam", "RAdam", "RMSProp"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "square_avg", ...
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Encode writes the checkpoint to w.
func (cs *CheckpointSaver) Encode(checkpoint *Checkpoint, w io.Writer) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "hailmary"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %v", err)
		}
		return nil
	case FormatProto:
		data, err := marshalProto(checkpoint)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint: %v", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Decode reads a checkpoint from r.
func (cs *CheckpointSaver) Decode(r io.Reader) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
		return &checkpoint, nil
	case FormatProto:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %v", err)
		}
		checkpoint, err := unmarshalProto(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Marshal returns the encoded checkpoint.
func (cs *CheckpointSaver) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	if err := cs.Encode(checkpoint, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveCheckpoint saves a complete checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	return cs.Encode(checkpoint, file)
}

// LoadCheckpoint loads a checkpoint from path
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	return cs.Decode(file)
}

// ExtractWeights snapshots named parameter tensors. Names follow
// "<layer>.<index>"; the layer part is recorded separately for lookup.
func ExtractWeights(layer string, params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for i, p := range params {
		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("%s.%d", layer, i),
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
			Layer: layer,
			Type:  "parameter",
		})
	}
	return weights
}

// LoadWeights copies checkpointed values back into params. Every parameter
// of the layer must be present with a matching shape.
func LoadWeights(weights []WeightTensor, layer string, params []*tensor.Tensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for i, p := range params {
		name := fmt.Sprintf("%s.%d", layer, i)
		w, ok := byName[name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight %q", name)
		}
		if !tensor.ShapesEqual(w.Shape, p.Shape) {
			return fmt.Errorf("weight %q has shape %v, model expects %v", name, w.Shape, p.Shape)
		}
		if err := p.SetData(w.Data); err != nil {
			return fmt.Errorf("weight %q: %v", name, err)
		}
	}
	return nil
}
