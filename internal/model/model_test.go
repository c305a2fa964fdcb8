package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestState_Terminal(t *testing.T) {
	cases := map[RequestState]bool{
		RequestQueued:    false,
		RequestActive:    false,
		RequestCompleted: true,
		RequestFailed:    true,
		RequestCanceled:  true,
	}
	for state, want := range cases {
		assert.Equal(t, want, state.Terminal(), "state %q", state)
	}
}
