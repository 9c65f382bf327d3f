package mmetrics

// NoopSink discards every metric. It is the default when no sink is
// configured and the standard choice in unit tests.
type NoopSink struct{}

func (NoopSink) Counter(name string, tags Tags, sampleRate float64)  {}
func (NoopSink) Gauge(name string, value float64, tags Tags)        {}
func (NoopSink) Timing(name string, ms float64, tags Tags)          {}
func (NoopSink) Histogram(name string, value float64, tags Tags)    {}
