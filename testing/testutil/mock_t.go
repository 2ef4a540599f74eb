package testutil

import (
	"fmt"
	"runtime"
	"testing"
)

// MockT records the failures a test helper reports instead of failing the
// enclosing test. Fatal and FailNow end the calling goroutine, so run the
// helper through RunWithMockT.
type MockT struct {
	testing.TB // embed to satisfy unexported methods
	Failed_    bool
	Fatal_     bool
	Message    string
	Logs       []string
}

// NewMockT creates a new MockT instance.
func NewMockT() *MockT {
	return &MockT{Logs: make([]string, 0)}
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Cleanup implements testing.TB. Cleanups are not run.
func (m *MockT) Cleanup(func()) {}

// Logf implements testing.TB.
func (m *MockT) Logf(format string, args ...any) {
	m.Logs = append(m.Logs, fmt.Sprintf(format, args...))
}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) {
	m.Failed_ = true
	m.Message = fmt.Sprint(args...)
}

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) {
	m.Failed_ = true
	m.Message = fmt.Sprintf(format, args...)
}

// Fail implements testing.TB.
func (m *MockT) Fail() { m.Failed_ = true }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.Failed_ = true
	m.Fatal_ = true
	runtime.Goexit()
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool { return m.Failed_ }

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.Failed_ = true
	m.Fatal_ = true
	m.Message = fmt.Sprint(args...)
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.Failed_ = true
	m.Fatal_ = true
	m.Message = fmt.Sprintf(format, args...)
	runtime.Goexit()
}

// RunWithMockT runs fn on its own goroutine and waits for it, so Fatal
// and FailNow only end fn.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}
