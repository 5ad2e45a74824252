package domain

import (
	"fmt"
	"math"
	"time"
)

// staleAttempts is the number of attempts after which a server that never
// answered is forgotten.
const staleAttempts = 5

// Server is an electrum server known for one asset. A zero port means the
// transport is not offered.
type Server struct {
	Symbol      string
	Host        string
	TCPPort     int
	TLSPort     int
	Version     string
	Pruning     int64
	Connections int64
	Failures    int64
	FirstSeen   time.Time
	LastCheck   time.Time
	LastSeen    time.Time
	Latency     time.Duration
}

// Reachability is the share of successful attempts rounded to the percent.
func (s Server) Reachability() float64 {
	if s.Connections <= 0 {
		return 0
	}
	ratio := float64(s.Connections-s.Failures) / float64(s.Connections)
	return math.Round(ratio*100) / 100
}

func (s Server) HasPorts() bool {
	return s.TCPPort > 0 || s.TLSPort > 0
}

// IsStale reports whether the server never answered after several attempts.
func (s Server) IsStale() bool {
	return s.LastSeen.IsZero() && s.Connections > staleAttempts
}

func (s *Server) RecordAttempt(success bool, now time.Time) {
	s.Connections++
	s.LastCheck = now
	if !success {
		s.Failures++
		return
	}
	if s.FirstSeen.IsZero() {
		s.FirstSeen = now
	}
	s.LastSeen = now
}

func (s Server) String() string {
	return fmt.Sprintf("%s t%d s%d", s.Host, s.TCPPort, s.TLSPort)
}
