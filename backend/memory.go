package backend

// MemoryFactory keeps databases as byte buffers in process memory.
//
// Closing a backend does not release its memory: the same identifier can be
// reopened later and finds its previous contents. Memory is reclaimed only
// by Delete or Clear.
type MemoryFactory struct {
	backends *shardMap[*Buffer]
}

// NewMemoryFactory creates an empty factory.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{backends: newShardMap[*Buffer]()}
}

// Name returns "memory".
func (mf *MemoryFactory) Name() string {
	return "memory"
}

// Open returns the buffer for id, creating an empty one on first use.
// Concurrent first opens of the same id all receive the same buffer.
func (mf *MemoryFactory) Open(id string, readOnly bool) (Backend, error) {
	b, err := mf.backends.loadOrCreate(id, func() (*Buffer, error) {
		return NewBuffer(id, nil), nil
	})
	if err != nil {
		return nil, err
	}
	if readOnly {
		return ReadOnlyView(b), nil
	}
	return b, nil
}

// Exists reports whether a buffer is resident for id.
func (mf *MemoryFactory) Exists(id string) (bool, error) {
	_, ok := mf.backends.load(id)
	return ok, nil
}

// ShouldValidateHeader is always false; nothing outside this process can
// alter a resident buffer.
func (mf *MemoryFactory) ShouldValidateHeader(string) (bool, error) {
	return false, nil
}

// Delete discards the buffer for id, returning whether one was resident.
// Handles already returned keep working on the discarded buffer; the next
// Open starts empty.
func (mf *MemoryFactory) Delete(id string) (bool, error) {
	_, ok := mf.backends.remove(id)
	return ok, nil
}

// List returns the resident identifiers in sorted order.
func (mf *MemoryFactory) List() ([]string, error) {
	return mf.backends.keys(), nil
}

// Clear discards every buffer and returns how many were resident.
func (mf *MemoryFactory) Clear() int {
	n := 0
	mf.backends.each(func(string, *Buffer) bool {
		n++
		return false
	})
	return n
}

// Len returns the number of resident buffers.
func (mf *MemoryFactory) Len() int {
	return mf.backends.len()
}

// Compile-time interface checks
var (
	_ Factory = (*MemoryFactory)(nil)
	_ Deleter = (*MemoryFactory)(nil)
	_ Lister  = (*MemoryFactory)(nil)
)
