package sqlite

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/spacepanda/core/crypto"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/keypackage"
)

func testKeyPackage(id string, identity string, initKeyByte byte) *keypackage.KeyPackage {
	initKey := make([]byte, 32)
	for i := range initKey {
		initKey[i] = initKeyByte
	}
	pub := make([]byte, 32)
	return &keypackage.KeyPackage{
		ID:          id,
		Credential:  corecrypto.BasicCredential{Identity: []byte(identity), PublicKey: pub},
		InitKey:     initKey,
		LeafNodeSig: []byte{0x01},
		NotAfter:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func TestKeyPackageStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	kp := testKeyPackage("kp-1", "alice", 0x11)
	require.NoError(t, s.KeyPackages().Store(ctx, kp))

	exists, err := s.KeyPackages().ExistsPublicInitKey(ctx, kp.InitKey)
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := s.KeyPackages().LoadFresh(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, kp.ID, loaded.ID)
	assert.Equal(t, kp.InitKey, loaded.InitKey)
}

func TestKeyPackageDuplicateInitKeyRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.KeyPackages().Store(ctx, testKeyPackage("kp-1", "alice", 0x11)))
	err := s.KeyPackages().Store(ctx, testKeyPackage("kp-2", "alice", 0x11))
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindConstraint, kind)
}

func TestLoadFreshIsExactlyOnceAcrossGoroutines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const packages = 8
	for i := 0; i < packages; i++ {
		require.NoError(t, s.KeyPackages().Store(ctx, testKeyPackage(
			fmt.Sprintf("kp-%d", i), "alice", byte(i+1))))
	}

	var mu sync.Mutex
	handed := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < packages*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kp, err := s.KeyPackages().LoadFresh(ctx, []byte("alice"))
			if err != nil {
				return
			}
			mu.Lock()
			handed[kp.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, handed, packages)
	for id, n := range handed {
		assert.Equal(t, 1, n, "package %s handed out more than once", id)
	}

	_, err := s.KeyPackages().LoadFresh(ctx, []byte("alice"))
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindNoneAvailable, kind)
}

func TestPruneExpiredRemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fresh := testKeyPackage("kp-fresh", "alice", 0x01)
	expired := testKeyPackage("kp-old", "alice", 0x02)
	expired.NotAfter = time.Now().Add(-time.Hour).UTC()

	require.NoError(t, s.KeyPackages().Store(ctx, fresh))
	require.NoError(t, s.KeyPackages().Store(ctx, expired))

	n, err := s.KeyPackages().PruneExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The expired package is never returned even before pruning; the fresh
	// one still is.
	kp, err := s.KeyPackages().LoadFresh(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, "kp-fresh", kp.ID)
}
