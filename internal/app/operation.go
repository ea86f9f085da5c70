package app

// IndexOperation tracks a CLI operation that may mutate the index database.
// Operations are created in memory with ID=0. Only DB-mutating commands
// persist them (giving them an auto-increment ID from the database).
type IndexOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string // "success" or "error"
}

// NewIndexOperation creates a new in-memory index operation.
func NewIndexOperation(operation, parameters string) *IndexOperation {
	return &IndexOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *IndexOperation) Persisted() bool {
	return op.ID != 0
}
