package stt

import "time"

// Transcript is one recognition result, partial or final.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0, 1]; zero when the engine does not report one.
	Confidence float64

	// Words is nil for engines without word timing.
	Words []WordDetail

	// Timestamp is the utterance start relative to the stream start.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail times one recognised word relative to the stream start.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is one vocabulary hint. The scale of Boost is engine
// specific; engines without weights only use the order.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
