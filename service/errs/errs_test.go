package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", New(TransactionReverted, "submit", errors.New("custom program error: 0x1")), TransactionReverted},
		{"wrapped classified", fmt.Errorf("outer: %w", New(ReadFailure, "load_all", errors.New("boom"))), ReadFailure},
		{"provider sentinel", fmt.Errorf("connect: %w", ErrProviderMissing), ProviderMissing},
		{"not connected sentinel", ErrNotConnected, NotConnected},
		{"in flight sentinel", ErrSubmissionInFlight, SubmissionInFlight},
		{"plain", errors.New("socket closed"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_UnwrapAndDetail(t *testing.T) {
	cause := errors.New("user declined")
	err := New(SubmissionRejected, "submit", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, SubmissionRejected))
	assert.Equal(t, "submit: submission_rejected: user declined", err.Error())
	assert.Equal(t, "user declined", Detail(err))
	assert.Equal(t, "socket closed", Detail(errors.New("socket closed")))
}
