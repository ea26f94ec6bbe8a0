package delegate

import "errors"

var (
	// ErrUnknownModel means no factory is registered under the model name.
	ErrUnknownModel = errors.New("unknown delegate model")

	// ErrBadParams means a binding's params are missing or malformed.
	ErrBadParams = errors.New("bad delegate params")

	// ErrCharClaimed means two bindings claimed the same characteristic.
	ErrCharClaimed = errors.New("characteristic already claimed")
)
