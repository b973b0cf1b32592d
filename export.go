package rpcurl

import (
	"io"
	"os"
	"path/filepath"

	"github.com/golang/protobuf/proto" //lint:ignore SA1019 descriptorpb.FileDescriptorSet has no v2 Marshal helper of its own
	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/types/descriptorpb"
)

// WriteProtoset resolves each of symbols against source and writes an
// encoded FileDescriptorSet containing the file that defines each symbol,
// plus the full transitive closure of their dependencies, topologically
// sorted so that every file appears after the files it depends on.
func WriteProtoset(out io.Writer, source DescriptorSource, symbols ...string) error {
	filenames, fds, err := filesForSymbols(symbols, source)
	if err != nil {
		return err
	}

	seen := map[string]struct{}{}
	var sorted []*descriptorpb.FileDescriptorProto
	for _, name := range filenames {
		sorted = appendFileDescriptorProto(sorted, seen, fds[name])
	}

	b, err := proto.Marshal(&descriptorpb.FileDescriptorSet{File: sorted})
	if err != nil {
		return ProtoEncodingError(err, "failed to serialize file descriptor set")
	}
	if _, err := out.Write(b); err != nil {
		return IOError(err, "failed to write file descriptor set")
	}
	return nil
}

func appendFileDescriptorProto(all []*descriptorpb.FileDescriptorProto, seen map[string]struct{}, fd *desc.FileDescriptor) []*descriptorpb.FileDescriptorProto {
	if _, ok := seen[fd.GetName()]; ok {
		return all
	}
	seen[fd.GetName()] = struct{}{}
	for _, dep := range fd.GetDependencies() {
		all = appendFileDescriptorProto(all, seen, dep)
	}
	return append(all, fd.AsFileDescriptorProto())
}

// WriteProtoFiles resolves each of symbols against source and writes a
// .proto source file, under outDir, for the file that defines each symbol
// and the full transitive closure of their dependencies. Each file is
// placed at a path mirroring its declared name (e.g. "foo/bar.proto"
// becomes outDir/foo/bar.proto).
func WriteProtoFiles(outDir string, source DescriptorSource, symbols ...string) error {
	filenames, fds, err := filesForSymbols(symbols, source)
	if err != nil {
		return err
	}

	seen := map[string]struct{}{}
	var sorted []*desc.FileDescriptor
	for _, name := range filenames {
		sorted = appendFileDescriptor(sorted, seen, fds[name])
	}

	for _, fd := range sorted {
		dir := filepath.Join(outDir, filepath.Dir(fd.GetName()))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return IOError(err, "failed to create directory %q", dir)
		}
		path := filepath.Join(dir, filepath.Base(fd.GetName()))
		text, err := PrintFile(fd)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return IOError(err, "failed to write file %q", path)
		}
	}
	return nil
}

func appendFileDescriptor(all []*desc.FileDescriptor, seen map[string]struct{}, fd *desc.FileDescriptor) []*desc.FileDescriptor {
	if _, ok := seen[fd.GetName()]; ok {
		return all
	}
	seen[fd.GetName()] = struct{}{}
	for _, dep := range fd.GetDependencies() {
		all = appendFileDescriptor(all, seen, dep)
	}
	return append(all, fd)
}

func filesForSymbols(symbols []string, source DescriptorSource) ([]string, map[string]*desc.FileDescriptor, error) {
	filenames := make([]string, 0, len(symbols))
	fds := make(map[string]*desc.FileDescriptor, len(symbols))
	for _, sym := range symbols {
		d, err := source.FindSymbol(sym)
		if err != nil {
			return nil, nil, ProtoEncodingError(err, "failed to find descriptor for %q", sym)
		}
		fd := d.GetFile()
		if _, ok := fds[fd.GetName()]; !ok {
			fds[fd.GetName()] = fd
			filenames = append(filenames, fd.GetName())
		}
	}
	return filenames, fds, nil
}
