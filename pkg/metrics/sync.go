package metrics

// Sync aggregates the coordinator's replication metrics, feeding the
// /metrics and /delta-metrics endpoints.
type Sync struct {
	SessionsStarted   Counter
	SessionsCompleted Counter
	SessionsFailed    Counter
	SessionsInFlight  Gauge

	BytesTransferred Counter
	BytesSaved       Counter
	CompressionRatio *Histogram

	TransferRate *EWMA
}

// NewSync creates an empty metrics aggregate.
func NewSync() *Sync {
	return &Sync{
		CompressionRatio: NewHistogram(),
		TransferRate:     NewEWMA1(),
	}
}

// SessionStarted records a session entering flight.
func (s *Sync) SessionStarted() {
	s.SessionsStarted.Inc()
	s.SessionsInFlight.Inc()
}

// SessionFinished records a session leaving flight.
func (s *Sync) SessionFinished(success bool) {
	s.SessionsInFlight.Dec()
	if success {
		s.SessionsCompleted.Inc()
	} else {
		s.SessionsFailed.Inc()
	}
}

// RecordDelta accumulates one delta transfer's efficiency numbers.
func (s *Sync) RecordDelta(bytesTransferred, bytesSaved int64, ratio float64) {
	s.BytesTransferred.Add(bytesTransferred)
	s.BytesSaved.Add(bytesSaved)
	s.TransferRate.Update(bytesTransferred)
	if bytesTransferred+bytesSaved > 0 {
		s.CompressionRatio.Observe(ratio)
	}
}

// Snapshot is a point-in-time reading of the aggregate.
type Snapshot struct {
	SessionsStarted     int64   `json:"sessions_started"`
	SessionsCompleted   int64   `json:"sessions_completed"`
	SessionsFailed      int64   `json:"sessions_failed"`
	SessionsInFlight    int64   `json:"sessions_in_flight"`
	BytesTransferred    int64   `json:"bytes_transferred"`
	BytesSaved          int64   `json:"bytes_saved"`
	AvgCompressionRatio float64 `json:"avg_compression_ratio"`
	TransferRate        float64 `json:"transfer_rate_bytes_per_sec"`
}

// Snapshot returns the current readings.
func (s *Sync) Snapshot() Snapshot {
	return Snapshot{
		SessionsStarted:     s.SessionsStarted.Value(),
		SessionsCompleted:   s.SessionsCompleted.Value(),
		SessionsFailed:      s.SessionsFailed.Value(),
		SessionsInFlight:    s.SessionsInFlight.Value(),
		BytesTransferred:    s.BytesTransferred.Value(),
		BytesSaved:          s.BytesSaved.Value(),
		AvgCompressionRatio: s.CompressionRatio.Mean(),
		TransferRate:        s.TransferRate.Rate(),
	}
}
