// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bench

import (
	"fmt"
	"math/rand"
	"testing"

	raftlog "github.com/quorumkit/raft/log"
	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

var randomData = func() []byte {
	buf := make([]byte, 1024*1024)
	rand.New(rand.NewSource(1)).Read(buf)
	return buf
}()

// BenchmarkAppend measures raft/log's Append path across a range of
// entry and batch sizes.
func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024, 1024 * 1024}
	sizeNames := []string{"10", "1k", "100k", "1m"}
	batchSizes := []int{1, 10}

	for i, s := range sizes {
		for _, n := range batchSizes {
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d", sizeNames[i], n), func(b *testing.B) {
				l := openBenchLog(b)
				runAppendBench(b, l, s, n)
			})
		}
	}
}

func openBenchLog(b *testing.B) *raftlog.Log {
	l, err := raftlog.Open(b.TempDir())
	require.NoError(b, err)
	b.Cleanup(func() { l.Close() })
	return l
}

func runAppendBench(b *testing.B, l *raftlog.Log, entrySize, batch int) {
	b.SetBytes(int64(entrySize * batch))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < batch; j++ {
			if _, err := l.Append(raftpb.LogEntry{Term: 1, Kind: raftpb.EntryCommand, Data: randomData[:entrySize]}); err != nil {
				b.Fatalf("append: %s", err)
			}
		}
	}
}

// BenchmarkGetEntry measures raft/log's indexed random-read path.
func BenchmarkGetEntry(b *testing.B) {
	sizes := []int{1000, 1_000_000}
	sizeNames := []string{"1k", "1m"}
	for i, n := range sizes {
		b.Run(fmt.Sprintf("numEntries=%s", sizeNames[i]), func(b *testing.B) {
			l := openBenchLog(b)
			for j := 0; j < n; j++ {
				_, err := l.Append(raftpb.LogEntry{Term: 1, Kind: raftpb.EntryCommand, Data: randomData[:128]})
				require.NoError(b, err)
			}
			b.ResetTimer()
			for j := 0; j < b.N; j++ {
				idx := raftpb.Index(j%n) + 1
				if _, err := l.GetEntry(idx); err != nil {
					b.Fatalf("get: %s", err)
				}
			}
		})
	}
}
