// Package addr implements the pure address arithmetic shared by every
// other component: splitting and joining (vpn, offset) pairs under a
// fixed page size. Addresses are treated as unsigned 32-bit throughout,
// so every function here works in uint32 rather than int to keep
// sign-extension from creeping into a vpn/offset computation.
package addr

// VPN returns the virtual page number containing address a, under pageSize.
func VPN(a uint32, pageSize uint32) uint32 {
	return a / pageSize
}

// Offset returns the byte offset of address a within its page.
func Offset(a uint32, pageSize uint32) uint32 {
	return a % pageSize
}

// Make joins a page number and an in-page offset back into an address.
// offset must be in [0, pageSize).
func Make(page uint32, offset uint32, pageSize uint32) uint32 {
	return page*pageSize | offset
}
