// Package compositor implements the single-owner, event-driven compositor
// (component O): surfaces processed sequentially under one mutex held
// only during event handling, double-buffered pixel storage, damage
// tracking with merge-on-overflow, and the framebuffer page-flip path.
// Grounded verbatim on original_source/video/src/compositor/{mod,events,
// surface,queue}.rs.
package compositor

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
)

// Window states, mirrored from the original's WINDOW_STATE_* constants.
const (
	WindowStateNormal    uint8 = 0
	WindowStateMinimized uint8 = 1
	WindowStateMaximized uint8 = 2
)

// MaxDamageRegions bounds the per-buffer damage tracker before regions
// are merged.
const MaxDamageRegions = 8

// Role is a surface's place in the compositor hierarchy (Wayland-style).
// Once set away from RoleNone it cannot change.
type Role uint8

const (
	RoleNone Role = iota
	RoleToplevel
	RolePopup
	RoleSubsurface
)

// CanHaveParent reports whether this role allows a parent assignment.
func (r Role) CanHaveParent() bool { return r == RolePopup || r == RoleSubsurface }

// DamageRect is a damage rectangle in surface-local pixel coordinates,
// inclusive on both ends.
type DamageRect struct {
	X0, Y0, X1, Y1 int32
}

func invalidDamage() DamageRect { return DamageRect{X1: -1, Y1: -1} }

// Valid reports whether the rectangle covers a non-empty region.
func (r DamageRect) Valid() bool { return r.X0 <= r.X1 && r.Y0 <= r.Y1 }

// Area returns the rectangle's pixel area, or 0 if invalid.
func (r DamageRect) Area() int32 {
	if !r.Valid() {
		return 0
	}
	return (r.X1 - r.X0 + 1) * (r.Y1 - r.Y0 + 1)
}

// Union returns the smallest rectangle covering both r and o.
func (r DamageRect) Union(o DamageRect) DamageRect {
	return DamageRect{
		X0: min32(r.X0, o.X0), Y0: min32(r.Y0, o.Y0),
		X1: max32(r.X1, o.X1), Y1: max32(r.Y1, o.Y1),
	}
}

// CombinedArea returns the area of r.Union(o).
func (r DamageRect) CombinedArea(o DamageRect) int32 { return r.Union(o).Area() }

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// PixelBuffer is one owned, zeroed pixel region with its own damage
// tracker. The backing bytes are a plain Go slice, standing in for the
// original's page-frame-backed buffer since this package never touches
// physical memory directly.
type PixelBuffer struct {
	pixels  []byte
	width   uint32
	height  uint32
	pitch   uint32
	bytesPP uint8

	damage      [MaxDamageRegions]DamageRect
	damageCount uint8
}

// NewPixelBuffer allocates a zeroed width x height buffer at the given
// bits-per-pixel depth.
func NewPixelBuffer(width, height uint32, bpp uint8) *PixelBuffer {
	bytesPP := uint8((uint32(bpp) + 7) / 8)
	pitch := width * uint32(bytesPP)
	b := &PixelBuffer{
		pixels:  make([]byte, uintptr(pitch)*uintptr(height)),
		width:   width,
		height:  height,
		pitch:   pitch,
		bytesPP: bytesPP,
	}
	for i := range b.damage {
		b.damage[i] = invalidDamage()
	}
	return b
}

func (b *PixelBuffer) Width() uint32   { return b.width }
func (b *PixelBuffer) Height() uint32  { return b.height }
func (b *PixelBuffer) Pitch() uint32   { return b.pitch }
func (b *PixelBuffer) BytesPP() uint8  { return b.bytesPP }
func (b *PixelBuffer) Bytes() []byte   { return b.pixels }
func (b *PixelBuffer) DamageCount() uint8 { return b.damageCount }

// Damage returns the currently tracked damage rectangles.
func (b *PixelBuffer) Damage() []DamageRect { return b.damage[:b.damageCount] }

// AddDamage clips the rectangle to the buffer bounds and appends it,
// merging the two smallest-combined-area regions first if the tracker is
// already at capacity.
func (b *PixelBuffer) AddDamage(x0, y0, x1, y1 int32) {
	x0 = max32(x0, 0)
	y0 = max32(y0, 0)
	x1 = min32(x1, int32(b.width)-1)
	y1 = min32(y1, int32(b.height)-1)
	rect := DamageRect{x0, y0, x1, y1}
	if !rect.Valid() {
		return
	}

	if int(b.damageCount) >= MaxDamageRegions {
		b.mergeSmallestPair()
	}
	if int(b.damageCount) < MaxDamageRegions {
		b.damage[b.damageCount] = rect
		b.damageCount++
	}
}

func (b *PixelBuffer) mergeSmallestPair() {
	if b.damageCount < 2 {
		return
	}
	count := int(b.damageCount)
	bestI, bestJ, bestArea := 0, 1, int32(-1)
	for i := 0; i < count; i++ {
		for j := i + 1; j < count; j++ {
			combined := b.damage[i].CombinedArea(b.damage[j])
			if bestArea == -1 || combined < bestArea {
				bestArea, bestI, bestJ = combined, i, j
			}
		}
	}
	b.damage[bestI] = b.damage[bestI].Union(b.damage[bestJ])
	if bestJ < count-1 {
		b.damage[bestJ] = b.damage[count-1]
	}
	b.damageCount--
}

// ClearDamage empties the damage tracker.
func (b *PixelBuffer) ClearDamage() { b.damageCount = 0 }

// DoubleBuffer is a front/back pixel buffer pair for tear-free updates.
type DoubleBuffer struct {
	front, back *PixelBuffer
}

// NewDoubleBuffer allocates matching front and back buffers.
func NewDoubleBuffer(width, height uint32, bpp uint8) *DoubleBuffer {
	return &DoubleBuffer{front: NewPixelBuffer(width, height, bpp), back: NewPixelBuffer(width, height, bpp)}
}

func (d *DoubleBuffer) Front() *PixelBuffer     { return d.front }
func (d *DoubleBuffer) Back() *PixelBuffer      { return d.back }
func (d *DoubleBuffer) Width() uint32           { return d.front.width }
func (d *DoubleBuffer) Height() uint32          { return d.front.height }

// Commit copies the back buffer's pixels and damage into the front
// buffer, byte for byte, then clears the back buffer's damage.
func (d *DoubleBuffer) Commit() {
	copy(d.front.pixels, d.back.pixels)
	d.front.damage = d.back.damage
	d.front.damageCount = d.back.damageCount
	d.back.ClearDamage()
}

// Surface is one client window, owned exclusively by the Compositor; all
// mutation flows through Compositor.HandleEvent so no per-surface lock is
// needed.
type Surface struct {
	TaskID      uint32
	Role        Role
	ParentTask  uint32 // 0 = no parent
	Buffers     *DoubleBuffer
	Dirty       bool
	X, Y        int32
	ZOrder      uint32
	Visible     bool
	WindowState uint8
	ShmToken    uint32
	Title       string
}

func newSurface(taskID uint32, width, height uint32, bpp uint8) *Surface {
	return &Surface{
		TaskID:      taskID,
		Buffers:     NewDoubleBuffer(width, height, bpp),
		Dirty:       true,
		Visible:     true,
		WindowState: WindowStateNormal,
	}
}

// SetRole assigns a role to a surface whose role is still None. A second
// call returns kerr.Busy (RoleAlreadySet), matching spec.md §4.O.
func (s *Surface) SetRole(role Role) error {
	if s.Role != RoleNone {
		return kerr.Busy
	}
	s.Role = role
	return nil
}

// SetParent assigns a parent task id. Rejected with kerr.InvalidArgument
// if the surface's role does not allow a parent.
func (s *Surface) SetParent(parentTaskID uint32) error {
	if !s.Role.CanHaveParent() {
		return kerr.InvalidArgument
	}
	s.ParentTask = parentTaskID
	return nil
}

// SetTitle NFC-normalizes title before storing it, so a title built from
// combining-mark sequences compares equal to its precomposed form
// regardless of the input's normalization form (grounded on the
// teacher's golang.org/x/text dependency, per SPEC_FULL.md §2).
func (s *Surface) SetTitle(title string) {
	s.Title = norm.NFC.String(title)
	s.Dirty = true
}

func (s *Surface) Commit()                { s.Buffers.Commit(); s.Dirty = true }
func (s *Surface) SetPosition(x, y int32) { s.X, s.Y = x, y; s.Dirty = true }
func (s *Surface) SetWindowState(state uint8) { s.WindowState = state; s.Dirty = true }
func (s *Surface) SetVisible(visible bool)    { s.Visible = visible; s.Dirty = true }
func (s *Surface) AddFrontDamage(x0, y0, x1, y1 int32) {
	s.Buffers.Front().AddDamage(x0, y0, x1, y1)
	s.Dirty = true
}
func (s *Surface) ClearFrontDamage() { s.Buffers.Front().ClearDamage() }
func (s *Surface) Dimensions() (uint32, uint32) {
	return s.Buffers.Width(), s.Buffers.Height()
}

// FramebufferState is the compositor's owned handle to the physical
// framebuffer, addressed through the addr.Memory abstraction rather than
// a raw pointer into the HHDM alias.
type FramebufferState struct {
	mem    addr.Memory
	Base   addr.PhysAddr
	Width  uint32
	Height uint32
	Pitch  uint32
	Bpp    uint8
}

// NewFramebufferState wraps the firmware-reported framebuffer descriptor.
func NewFramebufferState(mem addr.Memory, base addr.PhysAddr, width, height, pitch uint32, bpp uint8) FramebufferState {
	return FramebufferState{mem: mem, Base: base, Width: width, Height: height, Pitch: pitch, Bpp: bpp}
}

// CopyFromSHM copies min(size, pitch*height) bytes from the shared-memory
// region's physical address into the framebuffer.
func (fb *FramebufferState) CopyFromSHM(shmPhys addr.PhysAddr, size uintptr) error {
	fbSize := uintptr(fb.Pitch) * uintptr(fb.Height)
	copySize := size
	if copySize > fbSize {
		copySize = fbSize
	}
	if copySize == 0 {
		return kerr.InvalidArgument
	}
	buf := make([]byte, copySize)
	fb.mem.ReadAt(shmPhys, buf)
	fb.mem.WriteAt(fb.Base, buf)
	return nil
}

// blitRect writes one damaged rectangle of src into the framebuffer,
// clipping to bounds; rect is in surface coordinates and (originX,
// originY) is the surface's top-left corner in framebuffer coordinates.
func (fb *FramebufferState) blitRect(originX, originY int32, src *PixelBuffer, rect DamageRect) {
	bytesPP := uintptr(src.bytesPP)
	for row := rect.Y0; row <= rect.Y1; row++ {
		fbY := originY + row
		if fbY < 0 || fbY >= int32(fb.Height) {
			continue
		}
		x0, x1 := rect.X0, rect.X1
		fbX0 := originX + x0
		if fbX0 < 0 {
			x0 -= fbX0
			fbX0 = 0
		}
		fbX1 := originX + x1
		if fbX1 >= int32(fb.Width) {
			x1 -= fbX1 - (int32(fb.Width) - 1)
		}
		if x0 > x1 {
			continue
		}
		rowLen := uintptr(x1-x0+1) * bytesPP
		srcOff := uintptr(row)*uintptr(src.pitch) + uintptr(x0)*bytesPP
		dstOff := fb.Base + addr.PhysAddr(uintptr(fbY)*uintptr(fb.Pitch)+uintptr(fbX0)*bytesPP)
		fb.mem.WriteAt(dstOff, src.pixels[srcOff:srcOff+rowLen])
	}
}

// Event is the compositor's single mutation message, flattened into one
// struct (rather than a Rust-style enum) with the fields relevant to Kind
// populated; unused fields are zero.
type Event struct {
	Kind EventKind

	TaskID uint32

	Width, Height uint32
	Bpp           uint8

	X, Y int32

	State uint8

	Visible bool

	X0, Y0, X1, Y1 int32

	ShmPhys addr.PhysAddr
	Size    uintptr

	Title string
}

// EventKind selects which Compositor mutation an Event carries.
type EventKind uint8

const (
	EventCreateSurface EventKind = iota
	EventDestroySurface
	EventCommit
	EventSetPosition
	EventSetWindowState
	EventRaiseWindow
	EventSetVisible
	EventAddDamage
	EventPageFlip
	EventSetTitle
)

// DefaultQueueCapacity matches the original's DEFAULT_QUEUE_CAPACITY.
const DefaultQueueCapacity = 256

// Queue buffers events between arbitrary producer contexts (syscalls,
// task cleanup) and the compositor's single consumer.
type Queue struct {
	mu      sync.Mutex
	events  []Event
	pending atomic.Bool
	cap     int
}

// NewQueue builds an event queue bounded at capacity entries.
func NewQueue(capacity int) *Queue { return &Queue{cap: capacity} }

// Enqueue appends event, returning false if the queue is at capacity.
func (q *Queue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) >= q.cap {
		return false
	}
	q.events = append(q.events, e)
	q.pending.Store(true)
	return true
}

// Drain returns and clears all pending events, in FIFO order.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Store(false)
	events := q.events
	q.events = nil
	return events
}

// HasPending is a lock-free hint that Drain would return events.
func (q *Queue) HasPending() bool { return q.pending.Load() }

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Compositor owns every surface and the framebuffer, processing events
// sequentially under a single mutex held only for the duration of event
// handling.
type Compositor struct {
	mu           sync.Mutex
	surfaces     map[uint32]*Surface
	nextZOrder   uint32
	framebuffer  *FramebufferState
	needsCompose bool
}

// NewCompositor returns an empty compositor with no framebuffer attached.
func NewCompositor() *Compositor {
	return &Compositor{surfaces: make(map[uint32]*Surface), nextZOrder: 1}
}

// InitFramebuffer attaches the framebuffer descriptor, normally called
// once at boot.
func (c *Compositor) InitFramebuffer(fb FramebufferState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framebuffer = &fb
}

// Framebuffer returns the attached framebuffer, if any.
func (c *Compositor) Framebuffer() (*FramebufferState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framebuffer, c.framebuffer != nil
}

// NeedsCompose reports whether any event since the last ClearComposeFlag
// has dirtied compositor state.
func (c *Compositor) NeedsCompose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsCompose
}

// ClearComposeFlag clears the dirty flag after a compose pass.
func (c *Compositor) ClearComposeFlag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsCompose = false
}

// SurfaceCount returns the number of live surfaces.
func (c *Compositor) SurfaceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.surfaces)
}

// GetSurface returns the surface for taskID, if any.
func (c *Compositor) GetSurface(taskID uint32) (*Surface, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.surfaces[taskID]
	return s, ok
}

// HandleEvent applies one event to compositor state, returning
// kerr.NotFound for any per-surface event naming an unknown task id,
// except EventDestroySurface, for which an unknown id is a no-op.
func (c *Compositor) HandleEvent(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case EventCreateSurface:
		return c.createSurfaceLocked(e.TaskID, e.Width, e.Height, e.Bpp)
	case EventDestroySurface:
		delete(c.surfaces, e.TaskID)
		c.needsCompose = true
		return nil
	case EventCommit:
		s, ok := c.surfaces[e.TaskID]
		if !ok {
			return kerr.NotFound
		}
		s.Commit()
		c.needsCompose = true
		return nil
	case EventSetPosition:
		s, ok := c.surfaces[e.TaskID]
		if !ok {
			return kerr.NotFound
		}
		s.SetPosition(e.X, e.Y)
		c.needsCompose = true
		return nil
	case EventSetWindowState:
		s, ok := c.surfaces[e.TaskID]
		if !ok {
			return kerr.NotFound
		}
		s.SetWindowState(e.State)
		c.needsCompose = true
		return nil
	case EventRaiseWindow:
		s, ok := c.surfaces[e.TaskID]
		if !ok {
			return kerr.NotFound
		}
		s.ZOrder = c.nextZOrder
		c.nextZOrder++
		c.needsCompose = true
		return nil
	case EventSetVisible:
		s, ok := c.surfaces[e.TaskID]
		if !ok {
			return kerr.NotFound
		}
		s.SetVisible(e.Visible)
		c.needsCompose = true
		return nil
	case EventAddDamage:
		s, ok := c.surfaces[e.TaskID]
		if !ok {
			return kerr.NotFound
		}
		s.AddFrontDamage(e.X0, e.Y0, e.X1, e.Y1)
		c.needsCompose = true
		return nil
	case EventPageFlip:
		if c.framebuffer == nil {
			return kerr.NotFound
		}
		return c.framebuffer.CopyFromSHM(e.ShmPhys, e.Size)
	case EventSetTitle:
		s, ok := c.surfaces[e.TaskID]
		if !ok {
			return kerr.NotFound
		}
		s.SetTitle(e.Title)
		c.needsCompose = true
		return nil
	default:
		return kerr.InvalidArgument
	}
}

func (c *Compositor) createSurfaceLocked(taskID, width, height uint32, bpp uint8) error {
	if _, exists := c.surfaces[taskID]; exists {
		return nil // idempotent, per spec.md §4.O
	}
	s := newSurface(taskID, width, height, bpp)
	z := c.nextZOrder
	c.nextZOrder++
	s.ZOrder = z
	offset := (int32(z) % 10) * 30
	s.SetPosition(50+offset, 50+offset)
	c.surfaces[taskID] = s
	c.needsCompose = true
	return nil
}

// ProcessEvents drains q and applies every event in order, discarding
// individual errors the same way the original's process_events does —
// the client that enqueued a bad event has already moved on.
func (c *Compositor) ProcessEvents(q *Queue) {
	for _, e := range q.Drain() {
		_ = c.HandleEvent(e)
	}
}

// Compose blits every visible, damaged surface onto the framebuffer in
// ascending z-order, then clears each surface's front damage. A
// subsurface is composited relative to its parent's position; a popup is
// composited at its own absolute position, per spec.md §4.O.
func (c *Compositor) Compose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.framebuffer == nil || !c.needsCompose {
		return
	}

	ordered := make([]*Surface, 0, len(c.surfaces))
	for _, s := range c.surfaces {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ZOrder < ordered[j].ZOrder })

	for _, s := range ordered {
		if !s.Visible {
			continue
		}
		front := s.Buffers.Front()
		if front.DamageCount() == 0 {
			continue
		}
		originX, originY := c.effectiveOrigin(s)
		for _, rect := range front.Damage() {
			c.framebuffer.blitRect(originX, originY, front, rect)
		}
		front.ClearDamage()
	}
	c.needsCompose = false
}

func (c *Compositor) effectiveOrigin(s *Surface) (int32, int32) {
	if s.Role == RoleSubsurface {
		if parent, ok := c.surfaces[s.ParentTask]; ok {
			return parent.X + s.X, parent.Y + s.Y
		}
	}
	return s.X, s.Y
}
