package sparkplug

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodePayload serialises a payload back to the Sparkplug-B wire
// format. Used by the command write path (NCMD/DCMD) and by tests that
// synthesise broker frames.
func EncodePayload(p *Payload) []byte {
	var b []byte
	if p.Timestamp != 0 {
		b = protowire.AppendTag(b, fPayloadTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, p.Timestamp)
	}
	for i := range p.Metrics {
		mb := encodeMetric(&p.Metrics[i])
		b = protowire.AppendTag(b, fPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	if p.Seq != nil {
		b = protowire.AppendTag(b, fPayloadSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, *p.Seq)
	}
	if p.UUID != "" {
		b = protowire.AppendTag(b, fPayloadUUID, protowire.BytesType)
		b = protowire.AppendString(b, p.UUID)
	}
	return b
}

func encodeMetric(m *Metric) []byte {
	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, fMetricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.Alias != 0 {
		b = protowire.AppendTag(b, fMetricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Alias)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, fMetricTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	if m.DataType != TypeUnknown {
		b = protowire.AppendTag(b, fMetricDataType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.DataType))
	}
	if len(m.Properties) > 0 {
		pb := encodePropertySet(m.Properties)
		b = protowire.AppendTag(b, fMetricProps, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	if m.Template != nil {
		tb := encodeTemplate(m.Template)
		b = protowire.AppendTag(b, fMetricTmplVal, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
		return b
	}
	if m.IsNull || m.Value.IsNull() {
		b = protowire.AppendTag(b, fMetricIsNull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
		return b
	}
	switch m.Value.Kind {
	case KindInt:
		switch m.DataType {
		case TypeInt8, TypeInt16, TypeInt32, TypeUInt8, TypeUInt16, TypeUInt32:
			b = protowire.AppendTag(b, fMetricIntVal, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(uint32(m.Value.Int)))
		default:
			b = protowire.AppendTag(b, fMetricLongVal, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(m.Value.Int))
		}
	case KindFloat:
		if m.DataType == TypeFloat {
			b = protowire.AppendTag(b, fMetricFloatVal, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(float32(m.Value.Float)))
		} else {
			b = protowire.AppendTag(b, fMetricDoubleVal, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, math.Float64bits(m.Value.Float))
		}
	case KindBool:
		b = protowire.AppendTag(b, fMetricBoolVal, protowire.VarintType)
		v := uint64(0)
		if m.Value.Bool {
			v = 1
		}
		b = protowire.AppendVarint(b, v)
	case KindString:
		b = protowire.AppendTag(b, fMetricStringVal, protowire.BytesType)
		b = protowire.AppendString(b, m.Value.Str)
	}
	return b
}

func encodeTemplate(t *Template) []byte {
	var b []byte
	if t.Version != "" {
		b = protowire.AppendTag(b, fTmplVersion, protowire.BytesType)
		b = protowire.AppendString(b, t.Version)
	}
	for i := range t.Metrics {
		mb := encodeMetric(&t.Metrics[i])
		b = protowire.AppendTag(b, fTmplMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	if t.TemplateRef != "" {
		b = protowire.AppendTag(b, fTmplRef, protowire.BytesType)
		b = protowire.AppendString(b, t.TemplateRef)
	}
	if t.IsDefinition {
		b = protowire.AppendTag(b, fTmplIsDef, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func encodePropertySet(props []Property) []byte {
	var b []byte
	for _, p := range props {
		b = protowire.AppendTag(b, fPropSetKeys, protowire.BytesType)
		b = protowire.AppendString(b, p.Key)
	}
	for _, p := range props {
		pv := encodePropertyValue(p)
		b = protowire.AppendTag(b, fPropSetValues, protowire.BytesType)
		b = protowire.AppendBytes(b, pv)
	}
	return b
}

func encodePropertyValue(p Property) []byte {
	var b []byte
	if p.Type != TypeUnknown {
		b = protowire.AppendTag(b, fPropValType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Type))
	}
	switch p.Value.Kind {
	case KindNull:
		b = protowire.AppendTag(b, fPropValIsNull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	case KindInt:
		b = protowire.AppendTag(b, fPropValLong, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Value.Int))
	case KindFloat:
		b = protowire.AppendTag(b, fPropValDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.Value.Float))
	case KindBool:
		b = protowire.AppendTag(b, fPropValBool, protowire.VarintType)
		v := uint64(0)
		if p.Value.Bool {
			v = 1
		}
		b = protowire.AppendVarint(b, v)
	case KindString:
		b = protowire.AppendTag(b, fPropValString, protowire.BytesType)
		b = protowire.AppendString(b, p.Value.Str)
	}
	return b
}
