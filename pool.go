package rpcurl

import (
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Pool is a runtime registry of file descriptors, indexed by file path and
// by fully-qualified symbol. It tolerates incremental, partial insertion:
// AddFileDescriptorSet falls back to adding files one at a time when the
// pool rejects a batch because of a missing dependency, so a descriptor set
// that omits some dependencies still loads every file that doesn't need them.
//
// A Pool is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	files map[string]*desc.FileDescriptor
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{files: map[string]*desc.FileDescriptor{}}
}

// AddFileDescriptorSet merges the files in fds into the pool. If the whole
// set can't be resolved together (e.g. a dependency is missing), it retries
// file-by-file and returns the names of any files it had to skip; the error
// result is always nil, since skipping a file is not fatal. Skipped files
// never prevent files that don't depend on them from being added.
func (p *Pool) AddFileDescriptorSet(fds *descriptorpb.FileDescriptorSet) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	built, err := desc.CreateFileDescriptors(fds.GetFile())
	if err == nil {
		for name, fd := range built {
			p.files[name] = fd
		}
		return nil, nil
	}

	// Fall back to inserting one file at a time, skipping any whose
	// dependencies we can't (yet, or ever) resolve.
	byName := make(map[string]*descriptorpb.FileDescriptorProto, len(fds.GetFile()))
	for _, fd := range fds.GetFile() {
		byName[fd.GetName()] = fd
	}
	var skipped []string
	resolving := map[string]bool{}
	for _, fd := range fds.GetFile() {
		if _, err := p.resolveLocked(byName, fd.GetName(), resolving); err != nil {
			skipped = append(skipped, fd.GetName())
		}
	}
	return skipped, nil
}

func (p *Pool) resolveLocked(byName map[string]*descriptorpb.FileDescriptorProto, name string, resolving map[string]bool) (*desc.FileDescriptor, error) {
	if existing, ok := p.files[name]; ok {
		return existing, nil
	}
	fdp, ok := byName[name]
	if !ok {
		return nil, NotFound("File", name)
	}
	if resolving[name] {
		return nil, ProtoEncodingError(nil, "cycle detected while resolving dependencies of %q", name)
	}
	resolving[name] = true
	defer delete(resolving, name)

	deps := make([]*desc.FileDescriptor, 0, len(fdp.GetDependency()))
	for _, dep := range fdp.GetDependency() {
		depFd, err := p.resolveLocked(byName, dep, resolving)
		if err != nil {
			return nil, err
		}
		deps = append(deps, depFd)
	}
	fd, err := desc.CreateFileDescriptor(fdp, deps...)
	if err != nil {
		return nil, ProtoEncodingError(err, "could not build descriptor for %q", name)
	}
	p.files[name] = fd
	return fd, nil
}

// AddFile adds a single, already-resolved file descriptor (and, transitively,
// its dependencies) to the pool.
func (p *Pool) AddFile(fd *desc.FileDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addFileLocked(fd)
}

func (p *Pool) addFileLocked(fd *desc.FileDescriptor) {
	if _, ok := p.files[fd.GetName()]; ok {
		return
	}
	p.files[fd.GetName()] = fd
	for _, dep := range fd.GetDependencies() {
		p.addFileLocked(dep)
	}
}

// GetFileByName returns the file descriptor with the given path, if present.
func (p *Pool) GetFileByName(name string) (*desc.FileDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd, ok := p.files[name]
	return fd, ok
}

// AllFiles returns every file descriptor in the pool, in no particular order.
func (p *Pool) AllFiles() []*desc.FileDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make([]*desc.FileDescriptor, 0, len(p.files))
	for _, fd := range p.files {
		all = append(all, fd)
	}
	return all
}

// AllExtensionsForType returns every extension field in the pool whose
// extended message is typeName.
func (p *Pool) AllExtensionsForType(typeName string) []*desc.FieldDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exts []*desc.FieldDescriptor
	for _, fd := range p.files {
		for _, ext := range fd.GetExtensions() {
			if ext.GetOwner().GetFullyQualifiedName() == typeName {
				exts = append(exts, ext)
			}
		}
	}
	return exts
}

// FindSymbol resolves a fully-qualified symbol name per the lookup routine:
// try the name directly against every file's symbol table (this alone
// covers services, methods, messages, fields, enums, enum values, one-ofs,
// and extensions, since each file's table is itself nested); if that fails,
// split on the last '.' and retry treating the tail as a child of whatever
// the head resolves to; if that still fails, try the name as a file path;
// otherwise report NotFound.
func (p *Pool) FindSymbol(fqn string) (desc.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findSymbolLocked(fqn)
}

func (p *Pool) findSymbolLocked(fqn string) (desc.Descriptor, error) {
	for _, fd := range p.files {
		if d := fd.FindSymbol(fqn); d != nil {
			return d, nil
		}
	}

	if idx := strings.LastIndex(fqn, "."); idx >= 0 {
		parent, child := fqn[:idx], fqn[idx+1:]
		if d, err := p.findSymbolLocked(parent); err == nil {
			switch pd := d.(type) {
			case *desc.ServiceDescriptor:
				if m := pd.FindMethodByName(child); m != nil {
					return m, nil
				}
			case *desc.MessageDescriptor:
				if f := pd.FindFieldByName(child); f != nil {
					return f, nil
				}
				for _, oo := range pd.GetOneOfs() {
					if oo.GetName() == child {
						return oo, nil
					}
				}
			case *desc.EnumDescriptor:
				for _, v := range pd.GetValues() {
					if v.GetName() == child {
						return v, nil
					}
				}
			}
		}
	}

	if fd, ok := p.files[fqn]; ok {
		return fd, nil
	}

	return nil, NotFound("Symbol", fqn)
}
