package agreement

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationKey(t *testing.T) {
	key := CorrelationKey("421614", "0xabc")
	assert.Equal(t, "421614,0xabc", key)

	chainID, hash, err := SplitCorrelationKey(key)
	assert.NoError(t, err)
	assert.Equal(t, "421614", chainID)
	assert.Equal(t, "0xabc", hash)

	for _, bad := range []string{"", ",", "abc", ",abc", "abc,"} {
		_, _, err := SplitCorrelationKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestTransient(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("get utxos: %w", Transient(base))
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, base))
	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))
}

func TestRecoverableKindOf(t *testing.T) {
	base := errors.New("rejected")
	err := fmt.Errorf("broadcast: %w", Recoverable(RecoverableMempoolChainTooLong, base))
	assert.Equal(t, RecoverableMempoolChainTooLong, RecoverableKindOf(err))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, RecoverableNone, RecoverableKindOf(base))
	assert.Equal(t, "mempool-chain-too-long", RecoverableMempoolChainTooLong.String())
}
