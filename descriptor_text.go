package rpcurl

import (
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoprint"
)

var textPrinter = &protoprint.Printer{
	Compact:                  true,
	OmitComments:             protoprint.CommentsNonDoc,
	SortElements:             true,
	ForceFullyQualifiedNames: true,
}

// GetDescriptorText returns a snippet of proto source describing dsc: its
// declaration and, for messages and services, the declarations of its
// direct children. It's what backs the "describe" command.
func GetDescriptorText(dsc desc.Descriptor) (string, error) {
	txt, err := textPrinter.PrintProtoToString(dsc)
	if err != nil {
		return "", ProtoEncodingError(err, "could not print descriptor for %s", dsc.GetFullyQualifiedName())
	}
	if len(txt) > 0 && txt[len(txt)-1] == '\n' {
		txt = txt[:len(txt)-1]
	}
	return txt, nil
}

var filePrinter = &protoprint.Printer{
	OmitComments: protoprint.CommentsNonDoc,
}

// PrintFile renders fd as a complete, syntactically valid .proto file, in
// declaration order, for the proto-out-dir export path.
func PrintFile(fd *desc.FileDescriptor) (string, error) {
	txt, err := filePrinter.PrintProtoToString(fd)
	if err != nil {
		return "", ProtoEncodingError(err, "could not print file %s", fd.GetName())
	}
	return txt, nil
}
