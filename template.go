package rpcurl

import (
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
)

const wellKnownJSONHint = "this field accepts arbitrary JSON"

// MakeTemplate returns a message, populated with illustrative default
// values, suitable for showing a user the shape of a valid request for md.
// Scalar fields are left at their zero value (emit-defaults makes them
// visible in the rendered template); repeated fields get one representative
// element; map fields get one representative entry; message fields are
// populated recursively. Well-known types that have a special JSON
// projection (Any, Value, ListValue, Struct) get a hint value instead of
// being walked field-by-field, since walking their actual fields would
// produce a template that doesn't look like their JSON form at all.
func MakeTemplate(md *desc.MessageDescriptor) *dynamic.Message {
	return makeTemplate(md, map[string]bool{})
}

func makeTemplate(md *desc.MessageDescriptor, visiting map[string]bool) *dynamic.Message {
	switch md.GetFullyQualifiedName() {
	case "google.protobuf.Any":
		msg := dynamic.NewMessage(md)
		if f := md.FindFieldByName("type_url"); f != nil {
			msg.SetField(f, "type.googleapis.com/google.protobuf.Empty")
		}
		return msg
	case "google.protobuf.Value":
		msg := dynamic.NewMessage(md)
		if f := md.FindFieldByName("string_value"); f != nil {
			msg.SetField(f, wellKnownJSONHint)
		}
		return msg
	case "google.protobuf.ListValue":
		msg := dynamic.NewMessage(md)
		if f := md.FindFieldByName("values"); f != nil && f.GetMessageType() != nil {
			elem := makeTemplate(f.GetMessageType(), visiting)
			msg.AddRepeatedField(f, elem)
		}
		return msg
	case "google.protobuf.Struct":
		msg := dynamic.NewMessage(md)
		if f := md.FindFieldByName("fields"); f != nil && f.GetMessageType() != nil {
			entryType := f.GetMessageType()
			valueField := entryType.FindFieldByNumber(2)
			if valueField != nil && valueField.GetMessageType() != nil {
				elem := makeTemplate(valueField.GetMessageType(), visiting)
				msg.PutMapField(f, "key", elem)
			}
		}
		return msg
	}

	fqn := md.GetFullyQualifiedName()
	if visiting[fqn] {
		return dynamic.NewMessage(md)
	}
	visiting[fqn] = true
	defer delete(visiting, fqn)

	msg := dynamic.NewMessage(md)
	for _, fd := range md.GetFields() {
		switch {
		case fd.IsMap():
			key := defaultMapKey(fd.GetMapKeyType())
			valueType := fd.GetMapValueType()
			var value interface{}
			if valueType.GetMessageType() != nil {
				value = makeTemplate(valueType.GetMessageType(), visiting)
			} else {
				value = defaultScalar(valueType)
			}
			msg.PutMapField(fd, key, value)
		case fd.IsRepeated():
			if fd.GetMessageType() != nil {
				msg.AddRepeatedField(fd, makeTemplate(fd.GetMessageType(), visiting))
			} else {
				msg.AddRepeatedField(fd, defaultScalar(fd))
			}
		case fd.GetMessageType() != nil:
			msg.SetField(fd, makeTemplate(fd.GetMessageType(), visiting))
		}
		// scalar, non-repeated fields are left at their zero value
	}
	return msg
}

func defaultMapKey(fd *desc.FieldDescriptor) interface{} {
	switch fd.GetType().String() {
	case "TYPE_STRING":
		return ""
	case "TYPE_BOOL":
		return false
	default:
		return defaultScalar(fd)
	}
}

func defaultScalar(fd *desc.FieldDescriptor) interface{} {
	switch fd.GetType().String() {
	case "TYPE_DOUBLE":
		return float64(0)
	case "TYPE_FLOAT":
		return float32(0)
	case "TYPE_INT64", "TYPE_SINT64", "TYPE_SFIXED64":
		return int64(0)
	case "TYPE_UINT64", "TYPE_FIXED64":
		return uint64(0)
	case "TYPE_INT32", "TYPE_SINT32", "TYPE_SFIXED32":
		return int32(0)
	case "TYPE_UINT32", "TYPE_FIXED32":
		return uint32(0)
	case "TYPE_BOOL":
		return false
	case "TYPE_STRING":
		return ""
	case "TYPE_BYTES":
		return []byte{}
	case "TYPE_ENUM":
		if vals := fd.GetEnumType().GetValues(); len(vals) > 0 {
			return vals[0].GetNumber()
		}
		return int32(0)
	default:
		return nil
	}
}
