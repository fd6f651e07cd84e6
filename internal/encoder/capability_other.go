//go:build !windows

package encoder

// GetOptions reaches the vendor probe only when the request's platform field
// names Windows (isWindowsPlatform); on a non-Windows build there is no
// adapter enumeration, so the probe always reports the vendors as unknown.
func init() {
	probeAdapterVendors = func() AdapterVendors { return AdapterVendors{Unknown: true} }
}
