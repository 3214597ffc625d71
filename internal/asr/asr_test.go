package asr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassTransient},
		{"plain error", errors.New("boom"), ClassTransient},
		{"explicit transient", WithClass(errors.New("x"), ClassTransient), ClassTransient},
		{"explicit timeout", WithClass(errors.New("x"), ClassTimeout), ClassTimeout},
		{"explicit permanent", WithClass(errors.New("x"), ClassPermanent), ClassPermanent},
		{"wrapped classed error", fmt.Errorf("open: %w", WithClass(errors.New("x"), ClassPermanent)), ClassPermanent},
		{"context deadline", context.DeadlineExceeded, ClassTimeout},
		{"net timeout", timeoutErr{}, ClassTimeout},
		{"wrapped net timeout", fmt.Errorf("dial: %w", timeoutErr{}), ClassTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWithClassNil(t *testing.T) {
	assert.NoError(t, WithClass(nil, ClassPermanent))
}

func TestBackoffDelay(t *testing.T) {
	p := BackoffPolicy{
		Initial:        100 * time.Millisecond,
		TimeoutInitial: 500 * time.Millisecond,
		Max:            2 * time.Second,
		MaxAttempts:    5,
	}

	// Exponential growth from the class-dependent initial delay.
	assert.Equal(t, 100*time.Millisecond, p.Delay(1, ClassTransient))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, ClassTransient))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3, ClassTransient))

	// Timeout-class errors start higher.
	assert.Equal(t, 500*time.Millisecond, p.Delay(1, ClassTimeout))
	assert.Equal(t, time.Second, p.Delay(2, ClassTimeout))

	// Capped at Max.
	assert.Equal(t, 2*time.Second, p.Delay(10, ClassTransient))
	assert.Equal(t, 2*time.Second, p.Delay(10, ClassTimeout))
}

func TestBackoffExhausted(t *testing.T) {
	p := BackoffPolicy{Initial: time.Millisecond, TimeoutInitial: time.Millisecond, Max: time.Second, MaxAttempts: 3}
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))

	unlimited := BackoffPolicy{Initial: time.Millisecond, TimeoutInitial: time.Millisecond, Max: time.Second}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestTransportStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", TransportConnecting.String())
	assert.Equal(t, "OPEN", TransportOpen.String())
	assert.Equal(t, "CLOSING", TransportClosing.String())
	assert.Equal(t, "CLOSED", TransportClosed.String())
}
