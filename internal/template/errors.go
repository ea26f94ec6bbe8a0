package template

import "errors"

var (
	// ErrTemplateNotFound indicates no loaded template matches the id or
	// model.
	ErrTemplateNotFound = errors.New("template: not found")

	// ErrBadTemplate indicates a template file failed validation.
	ErrBadTemplate = errors.New("template: invalid template")

	// ErrBridgeRequired indicates Parent mode was requested without a
	// bridge id.
	ErrBridgeRequired = errors.New("template: parent mode requires a bridge id")

	// ErrGatewayRequired indicates a gateway-bound device template was
	// applied without a gateway id.
	ErrGatewayRequired = errors.New("template: device requires a gateway id")

	// ErrModelMismatch indicates the source record's model does not match
	// the template's model string.
	ErrModelMismatch = errors.New("template: source model does not match")
)
