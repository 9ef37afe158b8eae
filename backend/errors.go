package backend

import "fmt"

// LoadError reports missing or incompatible native code. Fatal to the
// single instantiation attempt; everything created so far is unwound.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InstantiateError reports a factory or creation failure after the native
// code loaded successfully.
type InstantiateError struct {
	URI string
	Err error
}

func (e *InstantiateError) Error() string {
	return fmt.Sprintf("instantiate %s: %v", e.URI, e.Err)
}

func (e *InstantiateError) Unwrap() error { return e.Err }

// ActivationError reports a failure to activate or start processing. The
// partially built instance has already been destroyed when this is returned.
type ActivationError struct {
	URI string
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %v", e.URI, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }
