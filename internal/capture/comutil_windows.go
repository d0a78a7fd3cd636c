//go:build windows

package capture

import (
	"fmt"
	"syscall"
	"unsafe"
)

// hresultError is a failed HRESULT from a COM vtable call.
type hresultError struct {
	method string
	hr     uint32
}

func (e *hresultError) Error() string {
	return fmt.Sprintf("%s: HRESULT 0x%08X", e.method, e.hr)
}

// comVtblFn returns the function pointer at vtableIdx of a COM interface.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func comVtblFn(obj uintptr, vtableIdx int) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))
}

// comCall invokes a COM vtable method and maps a negative HRESULT to an error.
func comCall(obj uintptr, vtableIdx int, method string, args ...uintptr) error {
	var argv [8]uintptr
	argv[0] = obj
	n := 1 + copy(argv[1:], args)
	ret, _, _ := syscall.SyscallN(comVtblFn(obj, vtableIdx), argv[:n]...)
	if int32(ret) < 0 {
		return &hresultError{method: method, hr: uint32(ret)}
	}
	return nil
}

// comRelease calls IUnknown::Release (vtable index 2).
func comRelease(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(comVtblFn(obj, 2), obj)
	}
}
