package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary layout. The encoding is plain protobuf wire
// format so any protobuf tool can inspect a checkpoint with a matching schema.
//
//	message EnsembleCheckpoint {
//	  string id = 1; string ensemble = 2; string model = 3; string task = 4;
//	  uint64 n_estimators = 5; double best_score = 6; bytes model_spec_json = 7;
//	  repeated SnapshotRecord snapshots = 8; Metadata metadata = 9;
//	}
//	message SnapshotRecord { uint64 index = 1; uint64 epoch = 2; uint64 iteration = 3; repeated WeightTensor weights = 4; }
//	message WeightTensor { string name = 1; repeated uint64 shape = 2; repeated double data = 3; string layer = 4; string type = 5; }
//	message Metadata { string version = 1; string framework = 2; int64 created_at_unix_nano = 3; string description = 4; repeated string tags = 5; }
const (
	fieldID          protowire.Number = 1
	fieldEnsemble    protowire.Number = 2
	fieldModel       protowire.Number = 3
	fieldTask        protowire.Number = 4
	fieldNEstimators protowire.Number = 5
	fieldBestScore   protowire.Number = 6
	fieldModelSpec   protowire.Number = 7
	fieldSnapshots   protowire.Number = 8
	fieldMetadata    protowire.Number = 9

	fieldSnapIndex     protowire.Number = 1
	fieldSnapEpoch     protowire.Number = 2
	fieldSnapIteration protowire.Number = 3
	fieldSnapWeights   protowire.Number = 4

	fieldWeightName  protowire.Number = 1
	fieldWeightShape protowire.Number = 2
	fieldWeightData  protowire.Number = 3
	fieldWeightLayer protowire.Number = 4
	fieldWeightType  protowire.Number = 5

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3
	fieldMetaDescription protowire.Number = 4
	fieldMetaTags        protowire.Number = 5
)

// MarshalBinary encodes c in protobuf wire format.
func MarshalBinary(c *EnsembleCheckpoint) []byte {
	var b []byte
	b = appendString(b, fieldID, c.ID)
	b = appendString(b, fieldEnsemble, c.Ensemble)
	b = appendString(b, fieldModel, c.Model)
	b = appendString(b, fieldTask, c.Task)
	b = protowire.AppendTag(b, fieldNEstimators, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.NEstimators))
	if c.BestScore != nil {
		b = protowire.AppendTag(b, fieldBestScore, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*c.BestScore))
	}

	if c.ModelSpec != nil {
		// ModelSpec carries free-form layer parameters, so it travels as embedded JSON
		spec, _ := json.Marshal(c.ModelSpec)
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, snap := range c.Snapshots {
		b = protowire.AppendTag(b, fieldSnapshots, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSnapshot(snap))
	}

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(c.Metadata))
	return b
}

func marshalSnapshot(s SnapshotRecord) []byte {
	var b []byte
	b = appendUint(b, fieldSnapIndex, s.Index)
	b = appendUint(b, fieldSnapEpoch, s.Epoch)
	b = appendUint(b, fieldSnapIteration, s.Iteration)
	for _, w := range s.Weights {
		b = protowire.AppendTag(b, fieldSnapWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}
	return b
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, fieldWeightName, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldWeightShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldWeightData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	b = appendString(b, fieldWeightLayer, w.Layer)
	b = appendString(b, fieldWeightType, w.Type)
	return b
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, fieldMetaVersion, m.Version)
	b = appendString(b, fieldMetaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldMetaCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, fieldMetaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, fieldMetaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// UnmarshalBinary decodes a checkpoint written by MarshalBinary.
// Unknown fields are skipped.
func UnmarshalBinary(b []byte) (*EnsembleCheckpoint, error) {
	c := &EnsembleCheckpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldID && typ == protowire.BytesType:
			c.ID = string(v)
		case num == fieldEnsemble && typ == protowire.BytesType:
			c.Ensemble = string(v)
		case num == fieldModel && typ == protowire.BytesType:
			c.Model = string(v)
		case num == fieldTask && typ == protowire.BytesType:
			c.Task = string(v)
		case num == fieldNEstimators && typ == protowire.VarintType:
			c.NEstimators = int(x)
		case num == fieldBestScore && typ == protowire.Fixed64Type:
			score := math.Float64frombits(x)
			c.BestScore = &score
		case num == fieldModelSpec && typ == protowire.BytesType:
			spec := &layers.ModelSpec{}
			if err := json.Unmarshal(v, spec); err != nil {
				return errors.Wrap(err, "model spec")
			}
			c.ModelSpec = spec
		case num == fieldSnapshots && typ == protowire.BytesType:
			snap, err := unmarshalSnapshot(v)
			if err != nil {
				return errors.Wrapf(err, "snapshot %d", len(c.Snapshots))
			}
			c.Snapshots = append(c.Snapshots, snap)
		case num == fieldMetadata && typ == protowire.BytesType:
			meta, err := unmarshalMetadata(v)
			if err != nil {
				return errors.Wrap(err, "metadata")
			}
			c.Metadata = meta
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalSnapshot(b []byte) (SnapshotRecord, error) {
	var s SnapshotRecord
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldSnapIndex && typ == protowire.VarintType:
			s.Index = int(x)
		case num == fieldSnapEpoch && typ == protowire.VarintType:
			s.Epoch = int(x)
		case num == fieldSnapIteration && typ == protowire.VarintType:
			s.Iteration = int(x)
		case num == fieldSnapWeights && typ == protowire.BytesType:
			w, err := unmarshalWeight(v)
			if err != nil {
				return errors.Wrapf(err, "weight %d", len(s.Weights))
			}
			s.Weights = append(s.Weights, w)
		}
		return nil
	})
	return s, err
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldWeightName && typ == protowire.BytesType:
			w.Name = string(v)
		case num == fieldWeightShape && typ == protowire.BytesType:
			w.Shape = []int{}
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case num == fieldWeightData && typ == protowire.BytesType:
			if len(v)%8 != 0 {
				return errors.Errorf("packed data length %d is not a multiple of 8", len(v))
			}
			w.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed64(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				v = v[n:]
			}
		case num == fieldWeightLayer && typ == protowire.BytesType:
			w.Layer = string(v)
		case num == fieldWeightType && typ == protowire.BytesType:
			w.Type = string(v)
		}
		return nil
	})
	return w, err
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldMetaVersion && typ == protowire.BytesType:
			m.Version = string(v)
		case num == fieldMetaFramework && typ == protowire.BytesType:
			m.Framework = string(v)
		case num == fieldMetaCreatedAt && typ == protowire.VarintType:
			m.CreatedAt = time.Unix(0, int64(x)).UTC()
		case num == fieldMetaDescription && typ == protowire.BytesType:
			m.Description = string(v)
		case num == fieldMetaTags && typ == protowire.BytesType:
			m.Tags = append(m.Tags, string(v))
		}
		return nil
	})
	return m, err
}

// walkFields calls fn for every field in b. Length-delimited values arrive in
// v; varint and fixed values arrive in x.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
