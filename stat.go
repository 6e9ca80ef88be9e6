package cowbt

import (
	"sync/atomic"
	"time"
)

type ExportStat struct {
	CacheHit         uint64
	CacheMiss        uint64
	CacheEvict       uint64
	BlockRead        uint64
	BlockWrite       uint64
	TxCommitCount    uint64
	TxCommitSumTs    time.Duration
	TxCommitMaxTime  time.Duration
	TxAbortCount     uint64
	FreelistRebuilds uint64
}

type iStat struct {
	cacheHit         atomic.Uint64
	cacheMiss        atomic.Uint64
	cacheEvict       atomic.Uint64
	blockRead        atomic.Uint64
	blockWrite       atomic.Uint64
	txCommitCount    atomic.Uint64
	txCommitSumTs    atomic.Int64
	txCommitMaxTime  atomic.Int64
	txAbortCount     atomic.Uint64
	freelistRebuilds atomic.Uint64
}

func (s *iStat) recordCommit(d time.Duration) {
	s.txCommitCount.Add(1)
	s.txCommitSumTs.Add(int64(d))
	for {
		old := s.txCommitMaxTime.Load()
		if int64(d) <= old || s.txCommitMaxTime.CompareAndSwap(old, int64(d)) {
			return
		}
	}
}

func (s *iStat) export() ExportStat {
	return ExportStat{
		CacheHit:         s.cacheHit.Load(),
		CacheMiss:        s.cacheMiss.Load(),
		CacheEvict:       s.cacheEvict.Load(),
		BlockRead:        s.blockRead.Load(),
		BlockWrite:       s.blockWrite.Load(),
		TxCommitCount:    s.txCommitCount.Load(),
		TxCommitSumTs:    time.Duration(s.txCommitSumTs.Load()),
		TxCommitMaxTime:  time.Duration(s.txCommitMaxTime.Load()),
		TxAbortCount:     s.txAbortCount.Load(),
		FreelistRebuilds: s.freelistRebuilds.Load(),
	}
}
