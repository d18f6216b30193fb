package tokenizer

import "container/heap"

// mergeCandidate is one adjacent pair waiting in the queue.
// left/right are group start offsets; verL/verR are the group versions when the
// candidate was pushed, so entries invalidated by a later merge can be skipped.
type mergeCandidate struct {
	rank  int
	left  int
	right int
	verL  uint32
	verR  uint32
}

// mergeQueue orders candidates by rank, then by position (leftmost first),
// which is the same order the rescan merger picks in.
type mergeQueue []mergeCandidate

func (q mergeQueue) Len() int { return len(q) }

func (q mergeQueue) Less(i, j int) bool {
	if q[i].rank != q[j].rank {
		return q[i].rank < q[j].rank
	}
	return q[i].left < q[j].left
}

func (q mergeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *mergeQueue) Push(x any) { *q = append(*q, x.(mergeCandidate)) }

func (q *mergeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// mergeHeap produces the same groups as mergeScan in O(n log n).
// Groups are a doubly linked list over byte offsets; only the pairs touching a
// merged group are re-ranked after each merge.
func (t *BPETokenizer) mergeHeap(chunk []byte) []int {
	n := len(chunk)
	next := make([]int, n)
	prev := make([]int, n)
	ver := make([]uint32, n)
	alive := make([]bool, n)
	for i := range n {
		next[i] = i + 1
		prev[i] = i - 1
		alive[i] = true
	}
	next[n-1] = -1

	end := func(i int) int {
		if next[i] < 0 {
			return n
		}
		return next[i]
	}

	q := make(mergeQueue, 0, n)
	pushPair := func(i int) {
		if i < 0 {
			return
		}
		j := next[i]
		if j < 0 {
			return
		}
		if rank, ok := t.table.Rank(chunk[i:end(j)]); ok {
			heap.Push(&q, mergeCandidate{rank: rank, left: i, right: j, verL: ver[i], verR: ver[j]})
		}
	}
	for i := 0; i+1 < n; i++ {
		pushPair(i)
	}

	for q.Len() > 0 {
		c := heap.Pop(&q).(mergeCandidate)
		i, j := c.left, c.right
		if !alive[i] || !alive[j] || next[i] != j || ver[i] != c.verL || ver[j] != c.verR {
			continue // stale
		}

		// 合并 j 到 i
		next[i] = next[j]
		if next[j] >= 0 {
			prev[next[j]] = i
		}
		alive[j] = false
		ver[i]++

		pushPair(prev[i])
		pushPair(i)
	}

	starts := make([]int, 0, n)
	for i := 0; i >= 0; i = next[i] {
		starts = append(starts, i)
	}
	return starts
}
