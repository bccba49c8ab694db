package backend

// move copies src to dst. Both may be registers or stack slots.
type move struct {
	dst, src Location
}

// emitMove copies src to dst with scratch as the temporary of stack-to-stack copies.
func (c *compiler[T]) emitMove(dst, src Location, scratch RealReg) {
	if dst == src {
		return
	}
	m := c.mach
	switch {
	case dst.IsRegister() && src.IsRegister():
		m.EmitMove(dst.Reg, src.Reg)
	case dst.IsRegister():
		m.EmitLoadStack(dst.Reg, src.Offset)
	case src.IsRegister():
		m.EmitStoreStack(src.Reg, dst.Offset)
	default:
		m.EmitLoadStack(scratch, src.Offset)
		m.EmitStoreStack(scratch, dst.Offset)
	}
}

// emitParallelMoves performs moves as if all the sources were read before any destination is written.
// The destinations must be distinct. The first scratch register breaks cycles and the second one
// carries stack-to-stack copies.
func (c *compiler[T]) emitParallelMoves(moves []move) {
	pending := moves[:0:0]
	for _, mv := range moves {
		if mv.dst != mv.src {
			pending = append(pending, mv)
		}
	}
	temp := RegisterLocation(c.regInfo.Scratch[0])
	scratch := c.regInfo.Scratch[1]

	isSource := func(l Location, except int) bool {
		for i, mv := range pending {
			if i != except && mv.src == l {
				return true
			}
		}
		return false
	}
	for len(pending) > 0 {
		emitted := false
		for i := 0; i < len(pending); i++ {
			if isSource(pending[i].dst, i) {
				continue
			}
			c.emitMove(pending[i].dst, pending[i].src, scratch)
			pending = append(pending[:i], pending[i+1:]...)
			emitted = true
			break
		}
		if emitted {
			continue
		}
		// Every destination is still to be read: we are left with cycles. Save the destination
		// of the first move in the temporary and read it from there instead.
		blocked := pending[0].dst
		c.emitMove(temp, blocked, scratch)
		for i := range pending {
			if pending[i].src == blocked {
				pending[i].src = temp
			}
		}
	}
}
