package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-cxr/layers"
)

// Wire layout of the .pb checkpoint format. The layer spec is carried as an
// embedded JSON document because its parameters are loosely typed.
//
//	Checkpoint      1: model spec (bytes, JSON)  2: repeated Weight  3: TrainingState
//	                4: OptimizerState            5: Metadata
//	Weight          1: name  2: shape (packed)  3: data (packed fixed32)  4: layer  5: type
//	TrainingState   1: epoch  2: step  3: lr (fixed32)  4: best loss (fixed32)
//	                5: best accuracy (fixed32)  6: total steps
//	OptimizerState  1: type  2: step  3: repeated Weight (type holds the state type)
//	Metadata        1: version  2: framework  3: created (unix nanos)  4: description
//	                5: repeated tag  6: variant  7: phase  8: val accuracy (fixed64)
//	                9: repeated class label  10: Transform
//	Transform       1: image size  2: mean (packed fixed32)  3: std (packed fixed32)
const (
	fieldModelSpec      protowire.Number = 1
	fieldWeight         protowire.Number = 2
	fieldTrainingState  protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldMetadata       protowire.Number = 5
)

func marshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, errors.Wrap(err, "encode model spec")
		}
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))

	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerState(nil, c.OptimizerState))
	}

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, c.Metadata))
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func appendTensor(b []byte, name string, shape []int, data []float32, layer, kind string) []byte {
	b = appendString(b, 1, name)
	b = appendPackedInts(b, 2, shape)
	b = appendPackedFloats(b, 3, data)
	b = appendString(b, 4, layer)
	return appendString(b, 5, kind)
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendVarint(b, 1, uint64(s.Epoch))
	b = appendVarint(b, 2, uint64(s.Step))
	b = appendFloat(b, 3, s.LearningRate)
	b = appendFloat(b, 4, s.BestLoss)
	b = appendFloat(b, 5, s.BestAccuracy)
	return appendVarint(b, 6, uint64(s.TotalSteps))
}

func appendOptimizerState(b []byte, s *OptimizerState) []byte {
	b = appendString(b, 1, s.Type)
	b = appendVarint(b, 2, uint64(s.Step))
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, 3, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendString(b, 6, string(m.Variant))
	b = appendString(b, 7, string(m.Phase))
	b = protowire.AppendTag(b, 8, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.ValAccuracy))
	for _, label := range m.ClassLabels {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendString(b, label)
	}

	var tr []byte
	tr = appendVarint(tr, 1, uint64(m.Preprocessing.ImageSize))
	tr = appendPackedFloats(tr, 2, m.Preprocessing.Mean[:])
	tr = appendPackedFloats(tr, 3, m.Preprocessing.Std[:])
	b = protowire.AppendTag(b, 10, protowire.BytesType)
	return protowire.AppendBytes(b, tr)
}

// field is one decoded key/value of a message.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	v     uint64
	bytes []byte
}

// walk calls fn for every field of a message.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "decode tag")
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "decode field %d", num)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodePackedInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decode packed ints")
		}
		out = append(out, int(protowire.DecodeZigZag(v)))
		b = b[n:]
	}
	return out, nil
}

func decodePackedFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("packed floats: %d bytes is not a multiple of 4", len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decode packed floats")
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

func decodeTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.Name = string(f.bytes)
		case 2:
			w.Shape, err = decodePackedInts(f.bytes)
		case 3:
			w.Data, err = decodePackedFloats(f.bytes)
		case 4:
			w.Layer = string(f.bytes)
		case 5:
			w.Type = string(f.bytes)
		}
		return err
	})
	return w, err
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			s.Epoch = int(f.v)
		case 2:
			s.Step = int(f.v)
		case 3:
			s.LearningRate = math.Float32frombits(uint32(f.v))
		case 4:
			s.BestLoss = math.Float32frombits(uint32(f.v))
		case 5:
			s.BestAccuracy = math.Float32frombits(uint32(f.v))
		case 6:
			s.TotalSteps = int(f.v)
		}
		return nil
	})
	return s, err
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			s.Type = string(f.bytes)
		case 2:
			s.Step = int64(f.v)
		case 3:
			t, err := decodeTensor(f.bytes)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.Name, Shape: t.Shape, Data: t.Data, StateType: t.Type})
		}
		return nil
	})
	return s, err
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Version = string(f.bytes)
		case 2:
			m.Framework = string(f.bytes)
		case 3:
			m.CreatedAt = time.Unix(0, int64(f.v)).UTC()
		case 4:
			m.Description = string(f.bytes)
		case 5:
			m.Tags = append(m.Tags, string(f.bytes))
		case 6:
			m.Variant = Variant(f.bytes)
		case 7:
			m.Phase = Phase(f.bytes)
		case 8:
			m.ValAccuracy = math.Float64frombits(f.v)
		case 9:
			m.ClassLabels = append(m.ClassLabels, string(f.bytes))
		case 10:
			return walk(f.bytes, func(t field) error {
				switch t.num {
				case 1:
					m.Preprocessing.ImageSize = int(t.v)
				case 2, 3:
					vs, err := decodePackedFloats(t.bytes)
					if err != nil {
						return err
					}
					if len(vs) != 3 {
						return errors.Errorf("transform field %d has %d channels", t.num, len(vs))
					}
					if t.num == 2 {
						copy(m.Preprocessing.Mean[:], vs)
					} else {
						copy(m.Preprocessing.Std[:], vs)
					}
				}
				return nil
			})
		}
		return nil
	})
	return m, err
}

func unmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(b, func(f field) error {
		if f.typ != protowire.BytesType {
			return errors.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
		}
		switch f.num {
		case fieldModelSpec:
			c.ModelSpec = &layers.ModelSpec{}
			return errors.Wrap(json.Unmarshal(f.bytes, c.ModelSpec), "decode model spec")
		case fieldWeight:
			w, err := decodeTensor(f.bytes)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, w)
		case fieldTrainingState:
			s, err := decodeTrainingState(f.bytes)
			if err != nil {
				return err
			}
			c.TrainingState = s
		case fieldOptimizerState:
			s, err := decodeOptimizerState(f.bytes)
			if err != nil {
				return err
			}
			c.OptimizerState = s
		case fieldMetadata:
			m, err := decodeMetadata(f.bytes)
			if err != nil {
				return err
			}
			c.Metadata = m
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode proto checkpoint")
	}
	return c, nil
}
