package sparkplug

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataType is the Sparkplug-B metric data type code.
type DataType uint32

const (
	TypeUnknown  DataType = 0
	TypeInt8     DataType = 1
	TypeInt16    DataType = 2
	TypeInt32    DataType = 3
	TypeInt64    DataType = 4
	TypeUInt8    DataType = 5
	TypeUInt16   DataType = 6
	TypeUInt32   DataType = 7
	TypeUInt64   DataType = 8
	TypeFloat    DataType = 9
	TypeDouble   DataType = 10
	TypeBoolean  DataType = 11
	TypeString   DataType = 12
	TypeDateTime DataType = 13
	TypeText     DataType = 14
	TypeUUID     DataType = 15
	TypeDataSet  DataType = 16
	TypeBytes    DataType = 17
	TypeFile     DataType = 18
	TypeTemplate DataType = 19
)

var typeNames = map[DataType]string{
	TypeInt8: "Int8", TypeInt16: "Int16", TypeInt32: "Int32", TypeInt64: "Int64",
	TypeUInt8: "UInt8", TypeUInt16: "UInt16", TypeUInt32: "UInt32", TypeUInt64: "UInt64",
	TypeFloat: "Float", TypeDouble: "Double", TypeBoolean: "Boolean",
	TypeString: "String", TypeDateTime: "DateTime", TypeText: "Text",
	TypeUUID: "UUID", TypeDataSet: "DataSet", TypeBytes: "Bytes",
	TypeFile: "File", TypeTemplate: "Template",
}

// String returns the canonical type name, or "Unknown".
func (d DataType) String() string {
	if n, ok := typeNames[d]; ok {
		return n
	}
	return "Unknown"
}

// TypeFromName is the inverse of DataType.String; unknown names report
// TypeUnknown.
func TypeFromName(name string) DataType {
	for t, n := range typeNames {
		if n == name {
			return t
		}
	}
	return TypeUnknown
}

// Payload is a decoded Sparkplug-B payload.
type Payload struct {
	Timestamp uint64 // ms (or s; normalised later) epoch time, 0 if absent
	Metrics   []Metric
	Seq       *uint64
	UUID      string
}

// Metric is one decoded metric entry.
type Metric struct {
	Name       string
	Alias      uint64
	Timestamp  uint64 // per-metric timestamp, 0 if absent
	DataType   DataType
	IsNull     bool
	Value      Value
	Properties []Property
	Template   *Template
}

// Property is one entry of a metric's property set (description,
// engineering units, scan rate and the like).
type Property struct {
	Key   string
	Type  DataType
	Value Value
}

// Template is a (possibly referenced) template value. Only definitions
// and member names/types are retained; Mantle treats templates as purely
// descriptive.
type Template struct {
	Version      string
	TemplateRef  string
	IsDefinition bool
	Metrics      []Metric
}

// Protobuf field numbers from the Sparkplug-B payload schema
// (org.eclipse.tahu.protobuf). Only the subset Mantle consumes is
// listed; unknown fields are skipped during decode.
const (
	fPayloadTimestamp = 1
	fPayloadMetrics   = 2
	fPayloadSeq       = 3
	fPayloadUUID      = 4

	fMetricName      = 1
	fMetricAlias     = 2
	fMetricTimestamp = 3
	fMetricDataType  = 4
	fMetricIsNull    = 7
	fMetricProps     = 9
	fMetricIntVal    = 10
	fMetricLongVal   = 11
	fMetricFloatVal  = 12
	fMetricDoubleVal = 13
	fMetricBoolVal   = 14
	fMetricStringVal = 15
	fMetricBytesVal  = 16
	fMetricTmplVal   = 18

	fPropSetKeys   = 1
	fPropSetValues = 2

	fPropValType   = 1
	fPropValIsNull = 2
	fPropValInt    = 3
	fPropValLong   = 4
	fPropValFloat  = 5
	fPropValDouble = 6
	fPropValBool   = 7
	fPropValString = 8

	fTmplVersion = 1
	fTmplMetrics = 2
	fTmplRef     = 4
	fTmplIsDef   = 5
)

// DecodePayload parses a Sparkplug-B protobuf frame.
func DecodePayload(data []byte) (*Payload, error) {
	p := &Payload{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("payload: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fPayloadTimestamp:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("payload timestamp: %w", err)
			}
			p.Timestamp = v
			data = data[n:]
		case fPayloadMetrics:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("payload metrics: %w", protowire.ParseError(n))
			}
			m, err := decodeMetric(b)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, m)
			data = data[n:]
		case fPayloadSeq:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("payload seq: %w", err)
			}
			p.Seq = &v
			data = data[n:]
		case fPayloadUUID:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return nil, fmt.Errorf("payload uuid: %w", err)
			}
			p.UUID = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("payload field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}

func decodeMetric(data []byte) (Metric, error) {
	var m Metric
	m.Value = NullValue()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("metric: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fMetricName:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric name: %w", err)
			}
			m.Name = s
			data = data[n:]
		case fMetricAlias:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric alias: %w", err)
			}
			m.Alias = v
			data = data[n:]
		case fMetricTimestamp:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric timestamp: %w", err)
			}
			m.Timestamp = v
			data = data[n:]
		case fMetricDataType:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric datatype: %w", err)
			}
			m.DataType = DataType(v)
			data = data[n:]
		case fMetricIsNull:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric is_null: %w", err)
			}
			m.IsNull = v != 0
			data = data[n:]
		case fMetricProps:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, fmt.Errorf("metric properties: %w", protowire.ParseError(n))
			}
			props, err := decodePropertySet(b)
			if err != nil {
				return m, err
			}
			m.Properties = props
			data = data[n:]
		case fMetricIntVal:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric int value: %w", err)
			}
			m.Value = intValueFor(m.DataType, v)
			data = data[n:]
		case fMetricLongVal:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric long value: %w", err)
			}
			m.Value = longValueFor(m.DataType, v)
			data = data[n:]
		case fMetricFloatVal:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return m, fmt.Errorf("metric float value: %w", protowire.ParseError(n))
			}
			m.Value = FloatValue(float64(math.Float32frombits(v)))
			data = data[n:]
		case fMetricDoubleVal:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return m, fmt.Errorf("metric double value: %w", protowire.ParseError(n))
			}
			m.Value = FloatValue(math.Float64frombits(v))
			data = data[n:]
		case fMetricBoolVal:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric bool value: %w", err)
			}
			m.Value = BoolValue(v != 0)
			data = data[n:]
		case fMetricStringVal:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return m, fmt.Errorf("metric string value: %w", err)
			}
			m.Value = StringValue(s)
			data = data[n:]
		case fMetricBytesVal:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, fmt.Errorf("metric bytes value: %w", protowire.ParseError(n))
			}
			_ = b // opaque payloads are not persisted
			m.Value = NullValue()
			data = data[n:]
		case fMetricTmplVal:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, fmt.Errorf("metric template value: %w", protowire.ParseError(n))
			}
			tmpl, err := decodeTemplate(b)
			if err != nil {
				return m, err
			}
			m.Template = &tmpl
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return m, fmt.Errorf("metric field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if m.IsNull {
		m.Value = NullValue()
	}
	return m, nil
}

// intValueFor sign-extends the 32-bit wire value for signed datatypes.
func intValueFor(dt DataType, wire uint64) Value {
	switch dt {
	case TypeInt8:
		return IntValue(int64(int8(uint8(wire))))
	case TypeInt16:
		return IntValue(int64(int16(uint16(wire))))
	case TypeInt32:
		return IntValue(int64(int32(uint32(wire))))
	default:
		return IntValue(int64(uint32(wire)))
	}
}

// longValueFor handles 64-bit values. Unsigned values beyond int64 range
// are promoted to float64 with documented precision loss, so downstream
// code never sees a wrapped big integer.
func longValueFor(dt DataType, wire uint64) Value {
	switch dt {
	case TypeUInt64:
		if wire > math.MaxInt64 {
			return FloatValue(float64(wire))
		}
		return IntValue(int64(wire))
	case TypeDateTime:
		return IntValue(NormalizeTimestamp(wire))
	default:
		return IntValue(int64(wire))
	}
}

func decodePropertySet(data []byte) ([]Property, error) {
	var keys []string
	var values []Property
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("property set: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fPropSetKeys:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return nil, fmt.Errorf("property key: %w", err)
			}
			keys = append(keys, s)
			data = data[n:]
		case fPropSetValues:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("property value: %w", protowire.ParseError(n))
			}
			pv, err := decodePropertyValue(b)
			if err != nil {
				return nil, err
			}
			values = append(values, pv)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("property set field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if len(keys) != len(values) {
		return nil, fmt.Errorf("property set has %d keys but %d values", len(keys), len(values))
	}
	for i := range values {
		values[i].Key = keys[i]
	}
	return values, nil
}

func decodePropertyValue(data []byte) (Property, error) {
	var p Property
	p.Value = NullValue()
	isNull := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("property value: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fPropValType:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return p, err
			}
			p.Type = DataType(v)
			data = data[n:]
		case fPropValIsNull:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return p, err
			}
			isNull = v != 0
			data = data[n:]
		case fPropValInt:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return p, err
			}
			p.Value = intValueFor(p.Type, v)
			data = data[n:]
		case fPropValLong:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return p, err
			}
			p.Value = longValueFor(p.Type, v)
			data = data[n:]
		case fPropValFloat:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Value = FloatValue(float64(math.Float32frombits(v)))
			data = data[n:]
		case fPropValDouble:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Value = FloatValue(math.Float64frombits(v))
			data = data[n:]
		case fPropValBool:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return p, err
			}
			p.Value = BoolValue(v != 0)
			data = data[n:]
		case fPropValString:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return p, err
			}
			p.Value = StringValue(s)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("property value field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if isNull {
		p.Value = NullValue()
	}
	return p, nil
}

func decodeTemplate(data []byte) (Template, error) {
	var t Template
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return t, fmt.Errorf("template: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fTmplVersion:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return t, err
			}
			t.Version = s
			data = data[n:]
		case fTmplMetrics:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			m, err := decodeMetric(b)
			if err != nil {
				return t, err
			}
			t.Metrics = append(t.Metrics, m)
			data = data[n:]
		case fTmplRef:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return t, err
			}
			t.TemplateRef = s
			data = data[n:]
		case fTmplIsDef:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return t, err
			}
			t.IsDefinition = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return t, fmt.Errorf("template field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return t, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("unexpected wire type %d for string field", typ)
	}
	b, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return string(b), n, nil
}
