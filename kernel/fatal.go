package kernel

// FatalKind classifies an integrity violation detected by the memory manager.
type FatalKind uint8

const (
	// FatalUnknown is reported when the cause could not be classified.
	FatalUnknown FatalKind = iota

	// FatalDoubleFree is reported when a frame or heap block that is
	// already free gets released again.
	FatalDoubleFree

	// FatalCorruptHeader is reported when a heap block header does not
	// carry the expected integrity marker.
	FatalCorruptHeader

	// FatalOutOfRange is reported when an address falls outside the
	// region managed by the component that received it.
	FatalOutOfRange

	// FatalBadAddress is reported when a computed page table address does
	// not point inside the table it is supposed to reference.
	FatalBadAddress
)

var fatalKindNames = [...]string{
	FatalUnknown:       "unknown",
	FatalDoubleFree:    "double free",
	FatalCorruptHeader: "corrupt header",
	FatalOutOfRange:    "address out of range",
	FatalBadAddress:    "bad table address",
}

// String implements fmt.Stringer for FatalKind.
func (k FatalKind) String() string {
	if int(k) < len(fatalKindNames) {
		return fatalKindNames[k]
	}

	return fatalKindNames[FatalUnknown]
}

// Fatal describes an unrecoverable integrity violation. The memory manager
// fills one of these in and hands it to the kernel's fatal error path instead
// of returning an error, since the state it guards can no longer be trusted.
type Fatal struct {
	Kind FatalKind

	// The module and operation that detected the violation.
	Module string
	Op     string

	// The address involved together with the expected and found values
	// (e.g. a header magic). Fields that do not apply are left as zero.
	Addr     uintptr
	Expected uintptr
	Found    uintptr
}
