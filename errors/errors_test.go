package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsByKind(t *testing.T) {
	err := New(KindWrongEpoch, "epoch mismatch")
	assert.True(t, stderrors.Is(err, Of(KindWrongEpoch)))
	assert.False(t, stderrors.Is(err, Of(KindBadSignature)))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("underlying")
	err := Wrap(KindMigrationFailed, "schema v3 failed", cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))
	assert.Contains(t, err.Error(), "underlying")
}

func TestKindOf(t *testing.T) {
	err := New(KindRateLimited, "too many requests")
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindRateLimited, kind)

	_, ok = KindOf(stderrors.New("plain"))
	assert.False(t, ok)
}

func TestWithDetail(t *testing.T) {
	err := New(KindCircuitOpen, "breaker open").WithDetail("peer_class", "inbound")
	assert.Equal(t, "inbound", err.Details["peer_class"])
}
