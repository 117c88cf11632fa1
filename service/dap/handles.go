package dap

import "github.com/remdap/remdap/service/adt"

// handleSpan is the per-thread multiplier for reference ids. A handle or
// frame id divides by it to recover the owning thread without a lookup, and
// the remainder is the per-thread sequence number or frame depth.
const handleSpan = 1 << 20

// variableDescriptor records how to reach a resolved variable on the remote
// side. Descriptors are immutable after creation and become unreachable when
// their thread's handle table is reset.
type variableDescriptor struct {
	// remoteID is the remote system's addressable path for this value.
	remoteID string
	// threadID is the owning thread.
	threadID int
	// name is the unqualified variable name, used to qualify nested
	// field writes.
	name string
	// metaType drives formatting and expansion.
	metaType adt.MetaType
	// lineCount is the row count for tables.
	lineCount int
}

type threadHandles struct {
	// nextSeq starts at 1; reference 0 means "not expandable" on the
	// wire and must never be allocated.
	nextSeq int
	vars    map[int]*variableDescriptor
}

func newThreadHandles() *threadHandles {
	return &threadHandles{nextSeq: 1, vars: make(map[int]*variableDescriptor)}
}

// handlesMap allocates integer references for variable descriptors, one
// sequence per thread. Handles from different threads never collide because
// each thread owns a disjoint band of the id space.
type handlesMap struct {
	threads map[int]*threadHandles
}

func newHandlesMap() *handlesMap {
	return &handlesMap{threads: make(map[int]*threadHandles)}
}

func (hs *handlesMap) create(threadID int, v *variableDescriptor) int {
	th := hs.threads[threadID]
	if th == nil {
		th = newThreadHandles()
		hs.threads[threadID] = th
	}
	seq := th.nextSeq
	th.nextSeq++
	th.vars[seq] = v
	return threadID*handleSpan + seq
}

// get returns the descriptor for a handle. A false result is a normal
// outcome after a reset; callers degrade to an empty result.
func (hs *handlesMap) get(handle int) (*variableDescriptor, bool) {
	th := hs.threads[handle/handleSpan]
	if th == nil {
		return nil, false
	}
	v, ok := th.vars[handle%handleSpan]
	return v, ok
}

// reset discards all handles of one thread. The sequence restarts, so a
// handle value may be reused for a different descriptor afterwards; handle
// values alone are never proof of descriptor identity across resets.
func (hs *handlesMap) reset(threadID int) {
	hs.threads[threadID] = newThreadHandles()
}

// decodeThreadID recovers the owning thread from a handle or frame id.
func decodeThreadID(id int) int {
	return id / handleSpan
}

// encodeFrameID builds a stack frame id from thread and frame depth using
// the same banding scheme as variable handles.
func encodeFrameID(threadID, depth int) int {
	return threadID*handleSpan + depth
}

// decodeFrameDepth recovers the frame depth from a frame id.
func decodeFrameDepth(frameID int) int {
	return frameID % handleSpan
}
