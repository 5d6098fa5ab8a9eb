package main

import (
	"log"
	"time"

	"rtkbridge/internal/bridge"
	"rtkbridge/internal/replay"
)

// capturingSource tees received corrections into a replay log.
type capturingSource struct {
	bridge.CorrectionSource
	w   *replay.Writer
	log *log.Logger

	failed bool
}

func (s *capturingSource) ReceiveCorrection(timeout time.Duration) []byte {
	data := s.CorrectionSource.ReceiveCorrection(timeout)
	if len(data) == 0 {
		return data
	}
	// Only loop A calls ReceiveCorrection, so failed needs no lock.
	if err := s.w.Write(time.Now(), data); err != nil {
		if !s.failed {
			s.log.Printf("correction capture write failed: %v", err)
		}
		s.failed = true
	} else {
		s.failed = false
	}
	return data
}
