// Package usercopy implements the user-pointer layer (component F):
// validated copy-in/copy-out between kernel buffers and a user process's
// address space, plus a bounded NUL-terminated string copy for paths.
package usercopy

import (
	"sync/atomic"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/paging"
)

// USER_PATH_MAX bounds copy_user_string; a path longer than this is
// rejected outright rather than silently truncated.
const USER_PATH_MAX = 128

// USER_IO_MAX_BYTES bounds a single read/write syscall buffer.
const USER_IO_MAX_BYTES = 512

// DirResolver supplies the calling task's page directory, since every
// syscall runs in kernel mode with CR3 still pointing at the calling
// process's directory. kernel.Boot supplies Services' current-directory
// lookup; tests supply a fixed directory.
type DirResolver func() (*paging.PageDir, bool)

// Copier performs validated user/kernel copies against one page-table
// manager and one directory resolver. The defense-in-depth kernel-address
// guard below is checked once, ever, across the whole kernel lifetime —
// matching the upstream guard this layer is grounded on, not once per
// process.
type Copier struct {
	pg          *paging.Manager
	mem         addr.Memory
	resolveDir  DirResolver
	kernelProbe addr.VirtAddr
	guarded     atomic.Bool
}

// NewCopier constructs a Copier. kernelProbe must be a canonical kernel
// address (e.g. the kernel heap start) used for the one-time sanity check
// that no process directory has accidentally marked kernel space
// user-accessible.
func NewCopier(pg *paging.Manager, mem addr.Memory, resolveDir DirResolver, kernelProbe addr.VirtAddr) *Copier {
	return &Copier{pg: pg, mem: mem, resolveDir: resolveDir, kernelProbe: kernelProbe}
}

func (c *Copier) validate(userPtr addr.VirtAddr, length uintptr) (*paging.PageDir, error) {
	if length == 0 {
		return nil, kerr.InvalidArgument
	}
	dir, ok := c.resolveDir()
	if !ok {
		return nil, kerr.Fault
	}

	start := uintptr(userPtr)
	end := start + length
	if end < start {
		return nil, kerr.Fault
	}

	if !c.guarded.Load() {
		if c.pg.PagingIsUserAccessible(dir, c.kernelProbe) {
			return nil, kerr.Fault
		}
		c.guarded.Store(true)
	}

	for page := userPtr.PageDown(); uintptr(page) < end; page = page.Add(addr.PageSize4K) {
		if !c.pg.PagingIsUserAccessible(dir, page) {
			return nil, kerr.Fault
		}
	}
	return dir, nil
}

// CopyFromUser validates [userSrc, userSrc+len) against the calling
// process's directory, then copies it into dst.
func (c *Copier) CopyFromUser(dst []byte, userSrc addr.VirtAddr) error {
	if dst == nil {
		return kerr.InvalidArgument
	}
	dir, err := c.validate(userSrc, uintptr(len(dst)))
	if err != nil {
		return err
	}
	return c.copyBytes(dst, dir, userSrc, true)
}

// CopyToUser validates [userDst, userDst+len) against the calling
// process's directory, then copies src into it.
func (c *Copier) CopyToUser(userDst addr.VirtAddr, src []byte) error {
	if src == nil {
		return kerr.InvalidArgument
	}
	dir, err := c.validate(userDst, uintptr(len(src)))
	if err != nil {
		return err
	}
	return c.copyBytes(src, dir, userDst, false)
}

// copyBytes walks buf page by page, translating each page's portion of the
// user address through dir before touching physical memory. fromUser
// selects the copy direction: true copies user->kernel into buf, false
// copies buf (kernel) ->user.
func (c *Copier) copyBytes(buf []byte, dir *paging.PageDir, userAddr addr.VirtAddr, fromUser bool) error {
	remaining := buf
	va := userAddr
	for len(remaining) > 0 {
		pa, ok := c.pg.VirtToPhysInDir(dir, va)
		if !ok {
			return kerr.Fault
		}
		inPage := addr.PageSize4K - va.Offset()
		n := inPage
		if uintptr(len(remaining)) < n {
			n = uintptr(len(remaining))
		}
		if fromUser {
			c.mem.ReadAt(pa, remaining[:n])
		} else {
			c.mem.WriteAt(pa, remaining[:n])
		}
		remaining = remaining[n:]
		va = va.Add(n)
	}
	return nil
}

// CopyUserString copies a NUL-terminated string of at most USER_PATH_MAX
// bytes (excluding the terminator) out of user space, one byte at a time
// so a short string isn't rejected merely because the unused tail of a
// USER_PATH_MAX-sized window runs past mapped user memory. It returns
// kerr.InvalidArgument if no NUL is found within the ceiling.
func (c *Copier) CopyUserString(userSrc addr.VirtAddr) (string, error) {
	var out [USER_PATH_MAX]byte
	var b [1]byte
	for i := 0; i < USER_PATH_MAX; i++ {
		if err := c.CopyFromUser(b[:], userSrc.Add(uintptr(i))); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out[:i]), nil
		}
		out[i] = b[0]
	}
	return "", kerr.InvalidArgument
}
