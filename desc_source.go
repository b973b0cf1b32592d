package rpcurl

import (
	"os"
	"sort"
	"sync"

	"github.com/golang/protobuf/proto" //lint:ignore SA1019 grpcurl's own descriptor-set decode path uses this
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/rpcurl/rpcurl/internal/rpclog"
)

// DescriptorSource is a source of protobuf descriptor information. It can be
// backed by a FileDescriptorSet proto (like a file generated by protoc),
// a set of .proto sources, a remote server that supports the reflection
// API, or a composition of the above.
type DescriptorSource interface {
	// ListServices returns a list of fully-qualified service names.
	ListServices() ([]string, error)
	// FindSymbol returns a descriptor for the given fully-qualified symbol
	// name.
	FindSymbol(fullyQualifiedName string) (desc.Descriptor, error)
	// AllExtensionsForType returns all known extension fields that extend
	// the given message type name.
	AllExtensionsForType(typeName string) ([]*desc.FieldDescriptor, error)
}

// sourceWithFiles is implemented by sources that can cheaply enumerate every
// file descriptor they know about.
type sourceWithFiles interface {
	GetAllFiles() ([]*desc.FileDescriptor, error)
}

// ListServices uses the given descriptor source to return a sorted list of
// fully-qualified service names.
func ListServices(source DescriptorSource) ([]string, error) {
	svcs, err := source.ListServices()
	if err != nil {
		return nil, err
	}
	sort.Strings(svcs)
	return svcs, nil
}

// ListMethods uses the given descriptor source to return a sorted list of
// method names (by simple name) for the named, fully-qualified service.
func ListMethods(source DescriptorSource, serviceName string) ([]string, error) {
	dsc, err := source.FindSymbol(serviceName)
	if err != nil {
		return nil, err
	}
	sd, ok := dsc.(*desc.ServiceDescriptor)
	if !ok {
		return nil, NotFound("Service", serviceName)
	}
	methods := make([]string, 0, len(sd.GetMethods()))
	for _, m := range sd.GetMethods() {
		methods = append(methods, m.GetName())
	}
	sort.Strings(methods)
	return methods, nil
}

// GetAllFiles uses the given descriptor source to return every file
// descriptor it knows about, sorted by file name.
func GetAllFiles(source DescriptorSource) ([]*desc.FileDescriptor, error) {
	var files []*desc.FileDescriptor
	if withFiles, ok := source.(sourceWithFiles); ok {
		var err error
		files, err = withFiles.GetAllFiles()
		if err != nil {
			return nil, err
		}
	} else {
		all := map[string]*desc.FileDescriptor{}
		svcs, err := source.ListServices()
		if err != nil {
			return nil, err
		}
		for _, name := range svcs {
			d, err := source.FindSymbol(name)
			if err != nil {
				return nil, err
			}
			addAllFilesToSet(d.GetFile(), all)
		}
		for _, fd := range all {
			files = append(files, fd)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].GetName() < files[j].GetName() })
	return files, nil
}

func addAllFilesToSet(fd *desc.FileDescriptor, all map[string]*desc.FileDescriptor) {
	if _, ok := all[fd.GetName()]; ok {
		return
	}
	all[fd.GetName()] = fd
	for _, dep := range fd.GetDependencies() {
		addAllFilesToSet(dep, all)
	}
}

// ---------------------------------------------------------------------
// FileSource
// ---------------------------------------------------------------------

// fileSource is a DescriptorSource backed by a Pool that was populated once,
// up front, from either protoset files or .proto sources.
type fileSource struct {
	pool *Pool
}

// DescriptorSourceFromProtoSets builds a DescriptorSource from the named
// files, each of which holds an encoded FileDescriptorSet.
func DescriptorSourceFromProtoSets(fileNames ...string) (DescriptorSource, error) {
	files := &descriptorpb.FileDescriptorSet{}
	for _, fileName := range fileNames {
		b, err := os.ReadFile(fileName)
		if err != nil {
			return nil, IOError(err, "could not load protoset file %q", fileName)
		}
		var fs descriptorpb.FileDescriptorSet
		if err := proto.Unmarshal(b, &fs); err != nil {
			return nil, ProtoEncodingError(err, "could not parse contents of protoset file %q", fileName)
		}
		files.File = append(files.File, fs.File...)
	}
	return DescriptorSourceFromFileDescriptorSet(files)
}

// DescriptorSourceFromProtoFiles builds a DescriptorSource by invoking the
// embedded protobuf compiler on the named .proto sources, resolving imports
// via importPaths (the current directory is used when importPaths is empty).
func DescriptorSourceFromProtoFiles(importPaths []string, fileNames ...string) (DescriptorSource, error) {
	fileNames, err := protoparse.ResolveFilenames(importPaths, fileNames...)
	if err != nil {
		return nil, ProtoEncodingError(err, "could not resolve proto file names")
	}
	p := protoparse.Parser{
		ImportPaths:           importPaths,
		InferImportPaths:      len(importPaths) == 0,
		IncludeSourceCodeInfo: true,
	}
	fds, err := p.ParseFiles(fileNames...)
	if err != nil {
		return nil, ProtoEncodingError(err, "could not parse given files")
	}
	return DescriptorSourceFromFileDescriptors(fds...)
}

// DescriptorSourceFromFileDescriptorSet builds a DescriptorSource backed by
// the given FileDescriptorSet.
func DescriptorSourceFromFileDescriptorSet(files *descriptorpb.FileDescriptorSet) (DescriptorSource, error) {
	pool := NewPool()
	skipped, err := pool.AddFileDescriptorSet(files)
	if err != nil {
		return nil, err
	}
	for _, name := range skipped {
		rpclog.Warn("skipping file %q: could not resolve its dependencies", name)
	}
	return &fileSource{pool: pool}, nil
}

// DescriptorSourceFromFileDescriptors builds a DescriptorSource backed by
// the given, already-resolved file descriptors.
func DescriptorSourceFromFileDescriptors(files ...*desc.FileDescriptor) (DescriptorSource, error) {
	pool := NewPool()
	for _, fd := range files {
		pool.AddFile(fd)
	}
	return &fileSource{pool: pool}, nil
}

func (fs *fileSource) ListServices() ([]string, error) {
	set := map[string]bool{}
	for _, fd := range fs.pool.AllFiles() {
		for _, svc := range fd.GetServices() {
			set[svc.GetFullyQualifiedName()] = true
		}
	}
	sl := make([]string, 0, len(set))
	for svc := range set {
		sl = append(sl, svc)
	}
	return sl, nil
}

func (fs *fileSource) GetAllFiles() ([]*desc.FileDescriptor, error) {
	return fs.pool.AllFiles(), nil
}

func (fs *fileSource) FindSymbol(fullyQualifiedName string) (desc.Descriptor, error) {
	return fs.pool.FindSymbol(fullyQualifiedName)
}

func (fs *fileSource) AllExtensionsForType(typeName string) ([]*desc.FieldDescriptor, error) {
	return fs.pool.AllExtensionsForType(typeName), nil
}

// ---------------------------------------------------------------------
// ServerSource (reflection)
// ---------------------------------------------------------------------

// ServerSource is a DescriptorSource that uses a gRPC reflection client to
// interrogate a server for descriptor information, lazily populating a local
// Pool as symbols are requested. v1/v1alpha negotiation is handled entirely
// by the underlying *grpcreflect.Client; ServerSource only has to translate
// its errors and drive the transitive-dependency fetch.
type ServerSource struct {
	client *grpcreflect.Client

	mu   sync.Mutex
	pool *Pool
}

// DescriptorSourceFromServer creates a DescriptorSource that uses the given
// gRPC reflection client to interrogate a server for descriptor information.
// If the server does not support the reflection API, the various
// DescriptorSource methods return ErrReflectionNotSupported.
func DescriptorSourceFromServer(refClient *grpcreflect.Client) *ServerSource {
	return &ServerSource{client: refClient, pool: NewPool()}
}

func (ss *ServerSource) ListServices() ([]string, error) {
	svcs, err := ss.client.ListServices()
	return svcs, reflectionSupport(err)
}

func (ss *ServerSource) FindSymbol(fullyQualifiedName string) (desc.Descriptor, error) {
	ss.mu.Lock()
	if d, err := ss.pool.FindSymbol(fullyQualifiedName); err == nil {
		ss.mu.Unlock()
		return d, nil
	}
	ss.mu.Unlock()

	if err := ss.fetchSymbol(fullyQualifiedName, map[string]bool{}); err != nil {
		return nil, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.pool.FindSymbol(fullyQualifiedName)
}

// fetchSymbol retrieves, from the server, the file that defines symbol and
// the full transitive closure of its dependencies, inserting all of them
// into the pool (tolerantly) before returning. visiting guards against
// cycles in the server's reported dependency graph.
func (ss *ServerSource) fetchSymbol(symbol string, visiting map[string]bool) error {
	file, err := ss.client.FileContainingSymbol(symbol)
	if err != nil {
		return reflectionSupport(err)
	}
	return ss.fetchFileAndDeps(file.GetName(), visiting)
}

func (ss *ServerSource) fetchFileAndDeps(filename string, visiting map[string]bool) error {
	ss.mu.Lock()
	_, have := ss.pool.GetFileByName(filename)
	ss.mu.Unlock()
	if have || visiting[filename] {
		return nil
	}
	visiting[filename] = true
	defer delete(visiting, filename)

	fd, err := ss.client.FileByFilename(filename)
	if err != nil {
		return reflectionSupport(err)
	}
	for _, dep := range fd.GetDependencies() {
		if err := ss.fetchFileAndDeps(dep.GetName(), visiting); err != nil {
			return err
		}
	}
	ss.mu.Lock()
	ss.pool.AddFile(fd)
	ss.mu.Unlock()
	return nil
}

func (ss *ServerSource) AllExtensionsForType(typeName string) ([]*desc.FieldDescriptor, error) {
	nums, err := ss.client.AllExtensionNumbersForType(typeName)
	if err != nil {
		return nil, reflectionSupport(err)
	}
	var exts []*desc.FieldDescriptor
	for _, num := range nums {
		ext, err := ss.client.ResolveExtension(typeName, num)
		if err != nil {
			return nil, reflectionSupport(err)
		}
		exts = append(exts, ext)
		ss.mu.Lock()
		ss.pool.AddFile(ext.GetFile())
		ss.mu.Unlock()
	}
	return exts, nil
}

func reflectionSupport(err error) error {
	if err == nil {
		return nil
	}
	if grpcreflect.IsElementNotFoundError(err) {
		return NotFound("Symbol", err.Error())
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unimplemented {
		return ErrReflectionNotSupported
	}
	return err
}

// ---------------------------------------------------------------------
// CompositeSource
// ---------------------------------------------------------------------

// CompositeSource uses a reflection source as its primary and a file source
// as a fallback for resolving symbols and extensions, but only ever uses the
// reflection source for listing services.
type CompositeSource struct {
	Reflection DescriptorSource
	File       DescriptorSource
}

func (cs CompositeSource) ListServices() ([]string, error) {
	return cs.Reflection.ListServices()
}

func (cs CompositeSource) FindSymbol(fullyQualifiedName string) (desc.Descriptor, error) {
	d, err := cs.Reflection.FindSymbol(fullyQualifiedName)
	if err == nil {
		return d, nil
	}
	return cs.File.FindSymbol(fullyQualifiedName)
}

func (cs CompositeSource) AllExtensionsForType(typeName string) ([]*desc.FieldDescriptor, error) {
	exts, err := cs.Reflection.AllExtensionsForType(typeName)
	if err != nil {
		return cs.File.AllExtensionsForType(typeName)
	}
	tags := make(map[int32]bool, len(exts))
	for _, ext := range exts {
		tags[ext.GetNumber()] = true
	}
	fileExts, err := cs.File.AllExtensionsForType(typeName)
	if err != nil {
		return exts, nil
	}
	for _, ext := range fileExts {
		if !tags[ext.GetNumber()] {
			exts = append(exts, ext)
		}
	}
	return exts, nil
}
