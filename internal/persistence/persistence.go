package persistence

// Persistence bundles the stores so the engine can depend on a single
// abstraction. Leases is nil when the backend has no lease support.
type Persistence struct {
	Records RecordStore
	History HistoryStore
	Leases  Leaser
}

// NewInMemoryPersistence returns a Persistence backed entirely by maps.
func NewInMemoryPersistence() Persistence {
	store := NewInMemoryStore()
	return Persistence{
		Records: store,
		History: NewInMemoryHistoryStore(),
		Leases:  store,
	}
}
