package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaybeRecordStat(t *testing.T) {
	MaybeRecordStat(nil, CompiledBytecode)

	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				MaybeRecordStat(s, AttemptBytecodeCompilation)
			}
		}()
	}
	wg.Wait()
	MaybeRecordStatN(s, CompiledBytecode, 200)

	require.Equal(t, uint32(800), s.Get(AttemptBytecodeCompilation))
	require.Equal(t, uint32(200), s.Get(CompiledBytecode))
	require.Equal(t, uint32(0), s.Get(NotCompiledSkipped))

	out := s.String()
	require.Contains(t, out, "Attempted compilation of 800 methods: 25.00% (200) compiled.")
	require.Contains(t, out, "CompiledBytecode: 200")
	require.NotContains(t, out, "NotCompiledSkipped")
}

func TestStats_Empty(t *testing.T) {
	require.Equal(t, "Did not compile any method.\n", New().String())
	require.Equal(t, "JitOutOfMemoryForCommit", JitOutOfMemoryForCommit.String())
}
