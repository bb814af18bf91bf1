package chrono

import (
	"sync"
	"time"
)

type API interface {
	Now() time.Time
	Location() *time.Location
}

type StandardImpl struct {
	location *time.Location
}

// NewStandardImpl loads the IANA zone used for calendar bucketing (ex. statements per day),
// an empty name means UTC.
func NewStandardImpl(zone string) (StandardImpl, error) {
	if zone == "" {
		return StandardImpl{location: time.UTC}, nil
	}
	location, err := time.LoadLocation(zone)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: location}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// FixedImpl always returns the same instant, for tests.
type FixedImpl struct {
	Instant time.Time
}

func (f FixedImpl) Now() time.Time {
	return f.Instant
}

func (f FixedImpl) Location() *time.Location {
	return f.Instant.Location()
}

// SteppingImpl advances by Step on every call to Now, starting at Start.
type SteppingImpl struct {
	Start time.Time
	Step  time.Duration

	mutex sync.Mutex
	calls int
}

func (s *SteppingImpl) Now() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	now := s.Start.Add(time.Duration(s.calls) * s.Step)
	s.calls++
	return now
}

func (s *SteppingImpl) Location() *time.Location {
	return s.Start.Location()
}
