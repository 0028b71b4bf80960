package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint format. The layout is a plain
// protobuf message so other tooling can read it with a matching .proto.
const (
	fieldCheckpointWeights         protowire.Number = 1
	fieldCheckpointTrainingState   protowire.Number = 2
	fieldCheckpointOptimizerStates protowire.Number = 3
	fieldCheckpointHyperparameters protowire.Number = 4
	fieldCheckpointMetadata        protowire.Number = 5

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
	fieldTensorLayer protowire.Number = 4 // weights: layer, optimizer: state type
	fieldTensorType  protowire.Number = 5

	fieldStateTotal      protowire.Number = 1
	fieldStateGenerator  protowire.Number = 2
	fieldStateCritic     protowire.Number = 3
	fieldStateAccumulate protowire.Number = 4
	fieldStatePhase      protowire.Number = 5
	fieldStateTexGen     protowire.Number = 6
	fieldStateTexCritic  protowire.Number = 7
	fieldStateTexDisc    protowire.Number = 8

	fieldOptSlot       protowire.Number = 1
	fieldOptType       protowire.Number = 2
	fieldOptParameters protowire.Number = 3
	fieldOptStateData  protowire.Number = 4

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3
	fieldMetaRunID       protowire.Number = 4
	fieldMetaDescription protowire.Number = 5
	fieldMetaTags        protowire.Number = 6
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendSint(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, typ string) []byte {
	b = appendString(b, fieldTensorName, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = appendMessage(b, fieldTensorShape, packed)

	values := make([]byte, 0, len(data)*8)
	for _, v := range data {
		values = protowire.AppendFixed64(values, math.Float64bits(v))
	}
	b = appendMessage(b, fieldTensorData, values)

	b = appendString(b, fieldTensorLayer, layer)
	return appendString(b, fieldTensorType, typ)
}

func marshalProto(cp *Checkpoint) ([]byte, error) {
	var b []byte

	for _, w := range cp.Weights {
		b = appendMessage(b, fieldCheckpointWeights, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	var st []byte
	st = appendSint(st, fieldStateTotal, cp.TrainingState.TotalTrainSteps)
	st = appendSint(st, fieldStateGenerator, cp.TrainingState.GeneratorGlobalStep)
	st = appendSint(st, fieldStateCritic, cp.TrainingState.CriticGlobalStep)
	st = appendSint(st, fieldStateAccumulate, cp.TrainingState.BatchesAccumulated)
	st = appendString(st, fieldStatePhase, cp.TrainingState.Phase)
	st = appendSint(st, fieldStateTexGen, cp.TrainingState.TextureGeneratorSteps)
	st = appendSint(st, fieldStateTexCritic, cp.TrainingState.TextureCriticSteps)
	st = appendSint(st, fieldStateTexDisc, cp.TrainingState.TextureDiscriminatorSteps)
	b = appendMessage(b, fieldCheckpointTrainingState, st)

	for slot, state := range cp.OptimizerStates {
		if state == nil {
			continue
		}
		var ob []byte
		ob = appendString(ob, fieldOptSlot, slot)
		ob = appendString(ob, fieldOptType, state.Type)
		params, err := json.Marshal(state.Parameters)
		if err != nil {
			return nil, fmt.Errorf("optimizer %s parameters: %v", slot, err)
		}
		ob = appendMessage(ob, fieldOptParameters, params)
		for _, t := range state.StateData {
			ob = appendMessage(ob, fieldOptStateData, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType, ""))
		}
		b = appendMessage(b, fieldCheckpointOptimizerStates, ob)
	}

	if len(cp.Hyperparameters) > 0 {
		b = appendMessage(b, fieldCheckpointHyperparameters, cp.Hyperparameters)
	}

	var md []byte
	md = appendString(md, fieldMetaVersion, cp.Metadata.Version)
	md = appendString(md, fieldMetaFramework, cp.Metadata.Framework)
	md = protowire.AppendTag(md, fieldMetaCreatedAt, protowire.VarintType)
	md = protowire.AppendVarint(md, protowire.EncodeZigZag(cp.Metadata.CreatedAt.UnixNano()))
	md = appendString(md, fieldMetaRunID, cp.Metadata.RunID)
	md = appendString(md, fieldMetaDescription, cp.Metadata.Description)
	for _, tag := range cp.Metadata.Tags {
		md = protowire.AppendTag(md, fieldMetaTags, protowire.BytesType)
		md = protowire.AppendString(md, tag)
	}
	b = appendMessage(b, fieldCheckpointMetadata, md)

	return b, nil
}

// walkFields calls fn for each field in b. Bytes fields pass their payload,
// varint fields pass the raw value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, payload, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

type rawTensor struct {
	name, layer, typ string
	shape            []int
	data             []float64
}

func parseTensor(b []byte) (rawTensor, error) {
	var t rawTensor
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case fieldTensorName:
			t.name = string(payload)
		case fieldTensorLayer:
			t.layer = string(payload)
		case fieldTensorType:
			t.typ = string(payload)
		case fieldTensorShape:
			for len(payload) > 0 {
				v, n := protowire.ConsumeVarint(payload)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.shape = append(t.shape, int(v))
				payload = payload[n:]
			}
		case fieldTensorData:
			if len(payload)%8 != 0 {
				return fmt.Errorf("tensor %q data is not a whole number of float64 values", t.name)
			}
			t.data = make([]float64, 0, len(payload)/8)
			for len(payload) > 0 {
				v, n := protowire.ConsumeFixed64(payload)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.data = append(t.data, math.Float64frombits(v))
				payload = payload[n:]
			}
		}
		return nil
	})
	return t, err
}

func unmarshalProto(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case fieldCheckpointWeights:
			t, err := parseTensor(payload)
			if err != nil {
				return err
			}
			cp.Weights = append(cp.Weights, WeightTensor{
				Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.typ,
			})
		case fieldCheckpointTrainingState:
			return walkFields(payload, func(num protowire.Number, _ protowire.Type, p []byte, v uint64) error {
				switch num {
				case fieldStateTotal:
					cp.TrainingState.TotalTrainSteps = int(protowire.DecodeZigZag(v))
				case fieldStateGenerator:
					cp.TrainingState.GeneratorGlobalStep = int(protowire.DecodeZigZag(v))
				case fieldStateCritic:
					cp.TrainingState.CriticGlobalStep = int(protowire.DecodeZigZag(v))
				case fieldStateAccumulate:
					cp.TrainingState.BatchesAccumulated = int(protowire.DecodeZigZag(v))
				case fieldStatePhase:
					cp.TrainingState.Phase = string(p)
				case fieldStateTexGen:
					cp.TrainingState.TextureGeneratorSteps = int(protowire.DecodeZigZag(v))
				case fieldStateTexCritic:
					cp.TrainingState.TextureCriticSteps = int(protowire.DecodeZigZag(v))
				case fieldStateTexDisc:
					cp.TrainingState.TextureDiscriminatorSteps = int(protowire.DecodeZigZag(v))
				}
				return nil
			})
		case fieldCheckpointOptimizerStates:
			slot, state, err := parseOptimizerState(payload)
			if err != nil {
				return err
			}
			if cp.OptimizerStates == nil {
				cp.OptimizerStates = make(map[string]*OptimizerState)
			}
			cp.OptimizerStates[slot] = state
		case fieldCheckpointHyperparameters:
			cp.Hyperparameters = append(json.RawMessage(nil), payload...)
		case fieldCheckpointMetadata:
			return walkFields(payload, func(num protowire.Number, _ protowire.Type, p []byte, v uint64) error {
				switch num {
				case fieldMetaVersion:
					cp.Metadata.Version = string(p)
				case fieldMetaFramework:
					cp.Metadata.Framework = string(p)
				case fieldMetaCreatedAt:
					cp.Metadata.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v))
				case fieldMetaRunID:
					cp.Metadata.RunID = string(p)
				case fieldMetaDescription:
					cp.Metadata.Description = string(p)
				case fieldMetaTags:
					cp.Metadata.Tags = append(cp.Metadata.Tags, string(p))
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func parseOptimizerState(b []byte) (string, *OptimizerState, error) {
	var slot string
	state := &OptimizerState{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, p []byte, _ uint64) error {
		switch num {
		case fieldOptSlot:
			slot = string(p)
		case fieldOptType:
			state.Type = string(p)
		case fieldOptParameters:
			if err := json.Unmarshal(p, &state.Parameters); err != nil {
				return fmt.Errorf("optimizer parameters: %v", err)
			}
		case fieldOptStateData:
			t, err := parseTensor(p)
			if err != nil {
				return err
			}
			state.StateData = append(state.StateData, OptimizerTensor{
				Name: t.name, Shape: t.shape, Data: t.data, StateType: t.layer,
			})
		}
		return nil
	})
	return slot, state, err
}
