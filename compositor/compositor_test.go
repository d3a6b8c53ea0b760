package compositor

import (
	"testing"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
)

type fakeMemory struct {
	base addr.PhysAddr
	buf  []byte
}

func newFakeMemory(base addr.PhysAddr, size int) *fakeMemory {
	return &fakeMemory{base: base, buf: make([]byte, size)}
}

func (m *fakeMemory) offset(pa addr.PhysAddr) int { return int(pa - m.base) }
func (m *fakeMemory) ReadAt(pa addr.PhysAddr, p []byte) {
	copy(p, m.buf[m.offset(pa):])
}
func (m *fakeMemory) WriteAt(pa addr.PhysAddr, p []byte) {
	copy(m.buf[m.offset(pa):], p)
}
func (m *fakeMemory) Zero(pa addr.PhysAddr, n uintptr) {
	off := m.offset(pa)
	for i := 0; i < int(n); i++ {
		m.buf[off+i] = 0
	}
}

func TestDamageRectUnionAndArea(t *testing.T) {
	a := DamageRect{0, 0, 9, 9}
	b := DamageRect{5, 5, 14, 14}
	u := a.Union(b)
	if u != (DamageRect{0, 0, 14, 14}) {
		t.Fatalf("union = %+v, want {0 0 14 14}", u)
	}
	if a.Area() != 100 {
		t.Fatalf("area = %d, want 100", a.Area())
	}
}

func TestPixelBufferAddDamageMergesOnOverflow(t *testing.T) {
	b := NewPixelBuffer(256, 256, 32)
	for i := 0; i < MaxDamageRegions; i++ {
		b.AddDamage(int32(i*2), int32(i*2), int32(i*2), int32(i*2))
	}
	if b.DamageCount() != MaxDamageRegions {
		t.Fatalf("DamageCount = %d, want %d", b.DamageCount(), MaxDamageRegions)
	}
	// One more region should trigger a merge, keeping the count at the cap.
	b.AddDamage(200, 200, 210, 210)
	if b.DamageCount() != MaxDamageRegions {
		t.Fatalf("DamageCount after overflow = %d, want %d", b.DamageCount(), MaxDamageRegions)
	}
}

func TestPixelBufferAddDamageClipsToBounds(t *testing.T) {
	b := NewPixelBuffer(100, 100, 32)
	b.AddDamage(-10, -10, 200, 200)
	if b.DamageCount() != 1 {
		t.Fatalf("DamageCount = %d, want 1", b.DamageCount())
	}
	rect := b.Damage()[0]
	if rect != (DamageRect{0, 0, 99, 99}) {
		t.Fatalf("rect = %+v, want clipped to buffer bounds", rect)
	}
}

func TestDoubleBufferCommitCopiesPixelsAndDamage(t *testing.T) {
	db := NewDoubleBuffer(4, 4, 32)
	back := db.Back()
	copy(back.Bytes(), []byte{1, 2, 3, 4})
	back.AddDamage(0, 0, 0, 0)

	db.Commit()

	if db.Front().Bytes()[0] != 1 || db.Front().Bytes()[3] != 4 {
		t.Fatal("expected front buffer to receive back buffer's pixels")
	}
	if db.Front().DamageCount() != 1 {
		t.Fatalf("front DamageCount = %d, want 1", db.Front().DamageCount())
	}
	if db.Back().DamageCount() != 0 {
		t.Fatal("expected back buffer damage cleared after commit")
	}
}

func TestSurfaceSetRoleRejectsSecondCall(t *testing.T) {
	s := newSurface(1, 64, 64, 32)
	if err := s.SetRole(RoleToplevel); err != nil {
		t.Fatalf("first SetRole: %v", err)
	}
	if err := s.SetRole(RolePopup); err != kerr.Busy {
		t.Fatalf("second SetRole = %v, want kerr.Busy", err)
	}
}

func TestSurfaceSetParentRejectsRoleWithoutParentSupport(t *testing.T) {
	s := newSurface(1, 64, 64, 32)
	_ = s.SetRole(RoleToplevel)
	if err := s.SetParent(2); err != kerr.InvalidArgument {
		t.Fatalf("SetParent on toplevel = %v, want kerr.InvalidArgument", err)
	}
}

func TestSurfaceSetParentAllowedForSubsurface(t *testing.T) {
	s := newSurface(1, 64, 64, 32)
	_ = s.SetRole(RoleSubsurface)
	if err := s.SetParent(2); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if s.ParentTask != 2 {
		t.Fatalf("ParentTask = %d, want 2", s.ParentTask)
	}
}

func TestRoleCanHaveParent(t *testing.T) {
	cases := map[Role]bool{
		RoleNone:       false,
		RoleToplevel:   false,
		RolePopup:      true,
		RoleSubsurface: true,
	}
	for role, want := range cases {
		if got := role.CanHaveParent(); got != want {
			t.Fatalf("Role(%d).CanHaveParent() = %v, want %v", role, got, want)
		}
	}
}

func TestCreateSurfaceAssignsCascadePosition(t *testing.T) {
	c := NewCompositor()
	for i := uint32(1); i <= 3; i++ {
		if err := c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: i, Width: 320, Height: 240, Bpp: 32}); err != nil {
			t.Fatalf("create surface %d: %v", i, err)
		}
	}
	s2, ok := c.GetSurface(2)
	if !ok {
		t.Fatal("surface 2 not found")
	}
	if s2.X != 110 || s2.Y != 110 {
		t.Fatalf("surface 2 position = (%d,%d), want cascade offset (110,110)", s2.X, s2.Y)
	}
}

func TestCreateSurfaceIsIdempotent(t *testing.T) {
	c := NewCompositor()
	ev := Event{Kind: EventCreateSurface, TaskID: 1, Width: 320, Height: 240, Bpp: 32}
	if err := c.HandleEvent(ev); err != nil {
		t.Fatalf("first create: %v", err)
	}
	s1, _ := c.GetSurface(1)
	origZ := s1.ZOrder
	if err := c.HandleEvent(ev); err != nil {
		t.Fatalf("second create: %v", err)
	}
	s1again, _ := c.GetSurface(1)
	if s1again.ZOrder != origZ {
		t.Fatal("expected idempotent create to leave existing surface untouched")
	}
}

func TestSetTitleEventNormalizesToNFC(t *testing.T) {
	c := NewCompositor()
	if err := c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: 1, Width: 320, Height: 240, Bpp: 32}); err != nil {
		t.Fatalf("create surface: %v", err)
	}
	// "e" + combining acute accent (U+0065 U+0301), decomposed form.
	decomposed := "cafe\u0301"
	if err := c.HandleEvent(Event{Kind: EventSetTitle, TaskID: 1, Title: decomposed}); err != nil {
		t.Fatalf("set title: %v", err)
	}
	s, ok := c.GetSurface(1)
	if !ok {
		t.Fatal("surface 1 not found")
	}
	// Precomposed form: "e" with acute accent (U+00E9).
	want := "caf\u00e9"
	if s.Title != want {
		t.Fatalf("Title = %q, want NFC-normalized %q", s.Title, want)
	}
	if decomposed == want {
		t.Fatal("test fixture bug: decomposed and precomposed forms must differ")
	}
}

func TestSetTitleEventUnknownSurfaceReturnsNotFound(t *testing.T) {
	c := NewCompositor()
	if err := c.HandleEvent(Event{Kind: EventSetTitle, TaskID: 99, Title: "x"}); err == nil {
		t.Fatal("expected error for unknown surface")
	}
}

func TestHandleEventUnknownSurfaceReturnsNotFound(t *testing.T) {
	c := NewCompositor()
	if err := c.HandleEvent(Event{Kind: EventCommit, TaskID: 99}); err != kerr.NotFound {
		t.Fatalf("Commit on missing surface = %v, want kerr.NotFound", err)
	}
}

func TestRaiseWindowIncreasesZOrder(t *testing.T) {
	c := NewCompositor()
	c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: 1, Width: 10, Height: 10, Bpp: 32})
	c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: 2, Width: 10, Height: 10, Bpp: 32})
	s1Before, _ := c.GetSurface(1)
	zBefore := s1Before.ZOrder

	if err := c.HandleEvent(Event{Kind: EventRaiseWindow, TaskID: 1}); err != nil {
		t.Fatalf("RaiseWindow: %v", err)
	}
	s1After, _ := c.GetSurface(1)
	if s1After.ZOrder <= zBefore {
		t.Fatalf("ZOrder after raise = %d, want > %d", s1After.ZOrder, zBefore)
	}
}

func TestComposeBlitsVisibleDamagedSurface(t *testing.T) {
	c := NewCompositor()
	mem := newFakeMemory(0x1000, 4*8*8)
	fb := NewFramebufferState(mem, 0x1000, 8, 8, 8*4, 32)
	c.InitFramebuffer(fb)

	c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: 1, Width: 4, Height: 4, Bpp: 32})
	s, _ := c.GetSurface(1)
	s.SetPosition(0, 0)
	copy(s.Buffers.Back().Bytes(), []byte{0xAA, 0xBB, 0xCC, 0xDD})
	s.Buffers.Back().AddDamage(0, 0, 0, 0)
	s.Commit()
	c.needsCompose = true

	c.Compose()

	pixel := mem.buf[0:4]
	if pixel[0] != 0xAA || pixel[1] != 0xBB {
		t.Fatalf("framebuffer pixel = %v, want [0xAA 0xBB 0xCC 0xDD]", pixel)
	}
}

func TestComposeSkipsInvisibleSurfaces(t *testing.T) {
	c := NewCompositor()
	mem := newFakeMemory(0x1000, 4*8*8)
	fb := NewFramebufferState(mem, 0x1000, 8, 8, 8*4, 32)
	c.InitFramebuffer(fb)

	c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: 1, Width: 4, Height: 4, Bpp: 32})
	s, _ := c.GetSurface(1)
	s.SetVisible(false)
	copy(s.Buffers.Back().Bytes(), []byte{1, 2, 3, 4})
	s.Buffers.Back().AddDamage(0, 0, 0, 0)
	s.Commit()
	c.needsCompose = true

	c.Compose()

	if mem.buf[0] != 0 {
		t.Fatal("expected invisible surface to be skipped during compose")
	}
}

func TestEffectiveOriginAddsParentPositionForSubsurface(t *testing.T) {
	c := NewCompositor()
	c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: 1, Width: 100, Height: 100, Bpp: 32})
	parent, _ := c.GetSurface(1)
	_ = parent.SetRole(RoleToplevel)
	parent.SetPosition(40, 60)

	c.HandleEvent(Event{Kind: EventCreateSurface, TaskID: 2, Width: 10, Height: 10, Bpp: 32})
	child, _ := c.GetSurface(2)
	_ = child.SetRole(RoleSubsurface)
	_ = child.SetParent(1)
	child.SetPosition(5, 5)

	x, y := c.effectiveOrigin(child)
	if x != 45 || y != 65 {
		t.Fatalf("effectiveOrigin = (%d,%d), want (45,65)", x, y)
	}
}

func TestQueueEnqueueDrainAndCapacity(t *testing.T) {
	q := NewQueue(2)
	if !q.Enqueue(Event{Kind: EventCommit, TaskID: 1}) {
		t.Fatal("expected first enqueue to succeed")
	}
	if !q.Enqueue(Event{Kind: EventCommit, TaskID: 2}) {
		t.Fatal("expected second enqueue to succeed")
	}
	if q.Enqueue(Event{Kind: EventCommit, TaskID: 3}) {
		t.Fatal("expected third enqueue to fail at capacity")
	}
	if !q.HasPending() {
		t.Fatal("expected HasPending true before drain")
	}
	events := q.Drain()
	if len(events) != 2 {
		t.Fatalf("drained %d events, want 2", len(events))
	}
	if q.HasPending() {
		t.Fatal("expected HasPending false after drain")
	}
}

func TestProcessEventsAppliesQueuedEvents(t *testing.T) {
	c := NewCompositor()
	q := NewQueue(DefaultQueueCapacity)
	q.Enqueue(Event{Kind: EventCreateSurface, TaskID: 1, Width: 10, Height: 10, Bpp: 32})
	q.Enqueue(Event{Kind: EventSetVisible, TaskID: 1, Visible: false})

	c.ProcessEvents(q)

	s, ok := c.GetSurface(1)
	if !ok {
		t.Fatal("expected surface 1 to exist after ProcessEvents")
	}
	if s.Visible {
		t.Fatal("expected surface 1 to be invisible after ProcessEvents")
	}
}

func TestPageFlipCopiesFromSHM(t *testing.T) {
	c := NewCompositor()
	mem := newFakeMemory(0x1000, 4*4*4+4*4*4)
	fb := NewFramebufferState(mem, 0x1000, 4, 4, 4*4, 32)
	c.InitFramebuffer(fb)

	shmPhys := addr.PhysAddr(0x1000 + 4*4*4)
	copy(mem.buf[mem.offset(shmPhys):], []byte{9, 9, 9, 9})

	if err := c.HandleEvent(Event{Kind: EventPageFlip, ShmPhys: shmPhys, Size: 4}); err != nil {
		t.Fatalf("PageFlip: %v", err)
	}
	if mem.buf[0] != 9 {
		t.Fatal("expected framebuffer base to receive SHM bytes")
	}
}
