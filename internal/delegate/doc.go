// Package delegate implements per-accessory model logic. A delegate
// receives batched characteristic reads and updates for one accessory and
// translates them into source-device property calls; it may also subscribe
// to the device's event stream and push value changes back into the HAP
// tree through a CharUpdater.
//
// Delegates are registered by model name in a process-wide registry.
// Accessory rows carry an ordered binding list; characteristics no binding
// claims fall through to the built-in property-mapping delegate.
package delegate
