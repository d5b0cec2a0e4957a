package mm

import "unsafe"

// AddressResolverFn converts an address that kernel code dereferences into
// the address that backs it in the current execution environment.
type AddressResolverFn func(addr uintptr) uintptr

// resolveFn is the identity on bare metal where kernel addresses are used
// as-is by the MMU.
var resolveFn AddressResolverFn = func(addr uintptr) uintptr { return addr }

// SetAddressResolver installs fn as the resolver used by Ptr and returns a
// function that restores the previous one. It allows the memory manager to
// run on top of a simulated machine.
func SetAddressResolver(fn AddressResolverFn) (restore func()) {
	prev := resolveFn
	resolveFn = fn
	return func() { resolveFn = prev }
}

// Ptr returns a pointer to the memory at addr. Every access that the memory
// manager makes to page tables, the frame bitmap or heap headers goes
// through Ptr.
func Ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(resolveFn(addr))
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls which should
// give us a speed boost as page addresses are always aligned.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := unsafe.Slice((*byte)(Ptr(addr)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The regions may overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	srcSlice := unsafe.Slice((*byte)(Ptr(src)), size)
	dstSlice := unsafe.Slice((*byte)(Ptr(dst)), size)

	copy(dstSlice, srcSlice)
}
