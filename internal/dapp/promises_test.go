package dapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromisesSettleOnce(t *testing.T) {
	p := NewPromises(time.Minute)
	defer p.Close()

	id, outcome := p.Create(PromiseConnect)
	require.True(t, p.Resolve(id, &ConnectApproval{AccountID: "0-mainnet"}))
	assert.False(t, p.Resolve(id, &ConnectApproval{AccountID: "1-mainnet"}))
	assert.False(t, p.Reject(id, UserRejected()))

	out := <-outcome
	require.NoError(t, out.Err)
	approval := out.Value.(*ConnectApproval)
	assert.Equal(t, "0-mainnet", approval.AccountID)
	assert.Zero(t, p.Pending())
}

func TestPromisesRejectUnknownID(t *testing.T) {
	p := NewPromises(time.Minute)
	defer p.Close()

	assert.False(t, p.Resolve("nope", nil))
	assert.False(t, p.Reject("nope", nil))
}

func TestPromisesRejectDefaultsToUserRejection(t *testing.T) {
	p := NewPromises(time.Minute)
	defer p.Close()

	id, outcome := p.Create(PromiseSignData)
	require.True(t, p.Reject(id, nil))
	out := <-outcome
	require.Error(t, out.Err)
	assert.Equal(t, CodeUserRejected, AsProtocolError(out.Err).Code)
}

func TestPromisesDeadlineSweep(t *testing.T) {
	p := NewPromises(time.Minute)
	defer p.Close()

	id, outcome := p.Create(PromiseTransaction)

	// Sweeping before the deadline leaves the operation pending.
	p.sweep(time.Now())
	assert.Equal(t, 1, p.Pending())

	p.sweep(time.Now().Add(2 * time.Minute))
	out := <-outcome
	require.Error(t, out.Err)
	assert.Equal(t, CodeTimeout, AsProtocolError(out.Err).Code)
	assert.False(t, p.Resolve(id, nil))
	assert.Zero(t, p.Pending())

	keptID, kept := p.Create(PromiseTransaction)
	require.True(t, p.Resolve(keptID, "ok"))
	assert.Equal(t, "ok", (<-kept).Value)
}
