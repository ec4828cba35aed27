package memutils

// Validatable is anything that can check its own internal invariants. DebugValidate accepts it.
type Validatable interface {
	Validate() error
}
