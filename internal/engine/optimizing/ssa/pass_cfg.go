package ssa

// passCalculateImmediateDominators orders the reachable blocks in reverse post-order, computes
// b.dominators over that order and then flags the loop headers.
func passCalculateImmediateDominators(b *builder) {
	order := b.postOrder(b.blkStack[:0])
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	b.clearBlkVisited()
	for i, blk := range order {
		b.blkVisited[blk] = i
	}

	if n := b.basicBlocksPool.Allocated(); len(b.dominators) < n {
		b.dominators = append(b.dominators, make([]*basicBlock, n-len(b.dominators))...)
	}
	clear(b.dominators)
	calculateDominators(order, b.blkVisited, b.dominators)

	b.reversePostOrderedBasicBlocks = append(b.reversePostOrderedBasicBlocks[:0], order...)
	b.blkStack = order

	subPassLoopDetection(b)
}

// postOrder appends the blocks reachable from the entry to dst in post-order. Successors are
// visited in their program order, so the reversed result follows the bytecode where it can.
func (b *builder) postOrder(dst []*basicBlock) []*basicBlock {
	const (
		unseen = iota
		pending
		expanded
	)
	b.clearBlkVisited()
	entry := b.entryBlk()
	work := append(b.blkStack2[:0], entry)
	b.blkVisited[entry] = pending
	for len(work) > 0 {
		blk := work[len(work)-1]
		if b.blkVisited[blk] == expanded {
			work = work[:len(work)-1]
			dst = append(dst, blk)
			continue
		}
		b.blkVisited[blk] = expanded
		for i := len(blk.success) - 1; i >= 0; i-- {
			succ := blk.success[i]
			if b.blkVisited[succ] == unseen {
				b.blkVisited[succ] = pending
				work = append(work, succ)
			}
		}
	}
	b.blkStack2 = work
	return dst
}

// calculateDominators fills doms, indexed by block id, with the immediate dominator of every
// block of order, iterating to a fixed point as in Cooper, Harvey and Kennedy's
// "A Simple, Fast Dominance Algorithm". rpo maps each block to its position in order.
func calculateDominators(order []*basicBlock, rpo map[*basicBlock]int, doms []*basicBlock) {
	entry := order[0]
	doms[entry.id] = entry

	for changed := true; changed; {
		changed = false
		for _, blk := range order[1:] {
			var idom *basicBlock
			for _, pred := range blk.preds {
				p := pred.blk
				// Predecessors not reached yet, such as back edges on the first sweep, are ignored.
				if doms[p.id] == nil {
					continue
				}
				if idom == nil {
					idom = p
				} else {
					idom = intersect(doms, rpo, idom, p)
				}
			}
			if doms[blk.id] != idom {
				doms[blk.id] = idom
				changed = true
			}
		}
	}
}

// intersect walks a and b up the dominator tree until they meet.
func intersect(doms []*basicBlock, rpo map[*basicBlock]int, a, b *basicBlock) *basicBlock {
	for a != b {
		for rpo[a] > rpo[b] {
			a = doms[a.id]
		}
		for rpo[b] > rpo[a] {
			b = doms[b.id]
		}
	}
	return a
}

// subPassLoopDetection detects loops in the function using the immediate dominators.
// A retreating edge whose target does not dominate its source enters a cycle from the side,
// which makes the CFG irreducible.
//
// This is run at the last of passCalculateImmediateDominators.
func subPassLoopDetection(b *builder) {
	b.irreducible, b.hasLoops = false, false
	for _, blk := range b.reversePostOrderedBasicBlocks {
		blk.loopHeader = false
		order := b.blkVisited[blk]
		for i := range blk.preds {
			pred := blk.preds[i].blk
			predOrder, reachable := b.blkVisited[pred]
			if !reachable || predOrder < order {
				continue
			}
			b.hasLoops = true
			if b.isDominatedBy(pred, blk) {
				blk.loopHeader = true
			} else {
				b.irreducible = true
			}
		}
	}
}

// loopBody returns the set of blocks of the natural loop headed by `header`, including the header.
func (b *builder) loopBody(header *basicBlock) map[*basicBlock]struct{} {
	in := map[*basicBlock]struct{}{header: {}}
	var work []*basicBlock
	for i := range header.preds {
		pred := header.preds[i].blk
		if b.isDominatedBy(pred, header) {
			work = append(work, pred)
		}
	}
	for len(work) > 0 {
		blk := work[len(work)-1]
		work = work[:len(work)-1]
		if _, ok := in[blk]; ok {
			continue
		}
		in[blk] = struct{}{}
		for i := range blk.preds {
			if pred := blk.preds[i].blk; b.dominators[pred.id] != nil {
				work = append(work, pred)
			}
		}
	}
	return in
}

// preheader returns the single block entering the loop headed by `header` from outside,
// or nil if there are several of them or the entering block branches elsewhere too.
func (b *builder) preheader(header *basicBlock) *basicBlock {
	var ret *basicBlock
	for i := range header.preds {
		pred := header.preds[i].blk
		if b.isDominatedBy(pred, header) {
			continue
		}
		if ret != nil {
			return nil
		}
		ret = pred
	}
	if ret == nil || len(ret.success) != 1 || ret.currentInstr == nil || ret.currentInstr.opcode != OpcodeJump {
		return nil
	}
	return ret
}
